// Package split coordinates one shared pipeline execution per epoch across
// N concurrent readers, each bound to a disjoint output index.
package split

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/tarungka/blockstream/internal/block"
	"github.com/tarungka/blockstream/internal/execution"
	"github.com/tarungka/blockstream/internal/logger"
	"github.com/tarungka/blockstream/internal/operators"
)

// blockedClientWarnTimeout is how long a client may sit at the epoch
// barrier before a one-time diagnostic is logged for it. Advisory only; the
// barrier keeps waiting.
const blockedClientWarnTimeout = 30 * time.Second

// ErrStaleEpoch reports a get against an epoch the stream has already moved
// past. It marks a protocol violation by the client and is never retried
// internally.
var ErrStaleEpoch = errors.New("split: stale epoch, the stream has moved on")

// ErrNoEpoch reports a get before any epoch has been started.
var ErrNoEpoch = errors.New("split: no epoch started yet")

// ChainFactory builds a fresh operator chain (source first) for one epoch.
// The coordinator appends the output splitter itself. Invoked exactly once
// per epoch transition, by the caller that completes the barrier.
type ChainFactory func() ([]execution.PhysicalOperator, error)

// Config carries the coordinator's construction parameters.
type Config struct {
	Factory ChainFactory
	Store   *block.Store
	Pool    *ants.Pool
	// N is the number of client readers, fixed for the coordinator's life.
	N int
	// Equal requires the splitter to balance per-index row totals to
	// within one row instead of best effort.
	Equal bool
	// LocalityHints optionally names a preferred location per index. They
	// configure placement only, never coordination.
	LocalityHints []string
	// BufferSize is the per-index output channel depth of each runner.
	BufferSize int
}

// Coordinator owns one pipeline runner per epoch and serves its split
// output to N concurrent clients, exactly once per epoch per index, with
// barrier-synchronized epoch transitions.
//
// The lock guards only the small shared metadata (leftover map, arrival
// counter, epoch id, barrier channel). Blocking pulls from the runner
// always happen outside it.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	leftovers map[int]*execution.RefBundle
	arrivals  int
	epoch     int64
	barrier   chan struct{}
	// runner is replaced only by the caller that wins the barrier, and
	// only read by callers holding a valid epoch id for it.
	runner *execution.Runner
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.N <= 0 {
		return nil, fmt.Errorf("split: need at least one client, got %d", cfg.N)
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("split: nil chain factory")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("split: nil block store")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("split: nil goroutine pool")
	}
	if len(cfg.LocalityHints) != 0 && len(cfg.LocalityHints) != cfg.N {
		return nil, fmt.Errorf("split: got %d locality hints for %d clients", len(cfg.LocalityHints), cfg.N)
	}
	return &Coordinator{
		cfg:       cfg,
		logger:    logger.GetLogger("split-coordinator"),
		leftovers: make(map[int]*execution.RefBundle),
		arrivals:  cfg.N,
		epoch:     -1,
		barrier:   make(chan struct{}),
	}, nil
}

// N returns the number of output splits the coordinator serves.
func (c *Coordinator) N() int { return c.cfg.N }

// StartEpoch arrives at the epoch barrier for the given split and blocks
// until all N clients have arrived. The Nth arrival advances the epoch,
// builds the new epoch's runner, and releases everyone; every caller
// returns the same new epoch id. Must be called by all N clients before any
// of them calls Get.
func (c *Coordinator) StartEpoch(splitIdx int) (int64, error) {
	if splitIdx < 0 || splitIdx >= c.cfg.N {
		return 0, fmt.Errorf("split: split index %d out of range [0, %d)", splitIdx, c.cfg.N)
	}

	c.mu.Lock()
	startingEpoch := c.epoch
	c.arrivals--
	barrier := c.barrier
	if c.arrivals == 0 {
		err := c.advanceEpochLocked()
		c.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return startingEpoch + 1, nil
	}
	c.mu.Unlock()

	warn := time.NewTimer(blockedClientWarnTimeout)
	defer warn.Stop()
	for {
		select {
		case <-barrier:
			return startingEpoch + 1, nil
		case <-warn.C:
			// Once per (split, epoch): the timer is never reset.
			c.logger.Warn().
				Int("split", splitIdx).
				Int64("epoch", startingEpoch).
				Dur("waited", blockedClientWarnTimeout).
				Msg("Blocked waiting on other clients at the epoch barrier; all clients must read the splits at the same time")
		}
	}
}

// advanceEpochLocked is run by the barrier winner with the lock held: bump
// the epoch, reset the arrival counter, build the new epoch's runner, and
// release the waiters. The previous runner is abandoned, not torn down: if
// it was not drained to EOF its drive goroutine stays blocked in emit and
// keeps its pool worker, so the pool must be sized for the expected number
// of undrained epochs.
func (c *Coordinator) advanceEpochLocked() error {
	c.epoch++
	c.arrivals = c.cfg.N
	// Anything still buffered belongs to the epoch that just ended and
	// must never be served in the new one.
	c.leftovers = make(map[int]*execution.RefBundle)
	released := c.barrier
	c.barrier = make(chan struct{})
	defer close(released)

	// A failed construction must not leave the previous epoch's runner
	// reachable under the new epoch id.
	c.runner = nil

	chain, err := c.cfg.Factory()
	if err != nil {
		return fmt.Errorf("split: building chain for epoch %d: %w", c.epoch, err)
	}
	if len(chain) == 0 {
		return fmt.Errorf("split: chain factory returned no operators for epoch %d", c.epoch)
	}
	splitter, err := operators.NewOutputSplitter(chain[len(chain)-1], c.cfg.Store, c.cfg.N, c.cfg.Equal, c.cfg.LocalityHints)
	if err != nil {
		return err
	}
	runner, err := execution.NewRunner(c.epoch, c.cfg.N, c.cfg.BufferSize, append(chain, splitter))
	if err != nil {
		return err
	}
	if err := runner.Start(c.cfg.Pool); err != nil {
		return err
	}
	c.runner = runner
	c.logger.Debug().Int64("epoch", c.epoch).Int("splits", c.cfg.N).Msg("Epoch started")
	return nil
}

// Get blocks until the next block for the given split is available and
// returns its handle. It returns io.EOF once the epoch has no more output
// for that index, ErrStaleEpoch if epochID is not the current epoch, and
// any upstream pipeline failure as-is.
func (c *Coordinator) Get(epochID int64, splitIdx int) (block.Handle, error) {
	if splitIdx < 0 || splitIdx >= c.cfg.N {
		return "", fmt.Errorf("split: split index %d out of range [0, %d)", splitIdx, c.cfg.N)
	}

	c.mu.Lock()
	if c.runner == nil {
		c.mu.Unlock()
		return "", ErrNoEpoch
	}
	if epochID != c.epoch {
		cur := c.epoch
		c.mu.Unlock()
		return "", fmt.Errorf("%w: got epoch %d, current is %d", ErrStaleEpoch, epochID, cur)
	}
	bundle := c.leftovers[splitIdx]
	delete(c.leftovers, splitIdx)
	runner := c.runner
	c.mu.Unlock()

	// Pull until we hold a non-empty bundle. The pull is a blocking call
	// and must stay outside the lock so other splits' buffered leftovers
	// remain reachable while upstream computes.
	for bundle == nil || bundle.Empty() {
		next, err := runner.GetNext(splitIdx)
		if err != nil {
			return "", err // io.EOF or an upstream failure, verbatim
		}
		bundle = next
	}

	ref, _ := bundle.PopFront()

	c.mu.Lock()
	if !bundle.Empty() {
		c.leftovers[splitIdx] = bundle
	}
	c.mu.Unlock()

	return ref.Handle, nil
}

// Epoch returns the current epoch id, -1 before the first epoch starts.
func (c *Coordinator) Epoch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Exhausted reports whether err marks normal end of an epoch's output
// rather than a failure.
func Exhausted(err error) bool { return errors.Is(err, io.EOF) }
