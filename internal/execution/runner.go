package execution

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/tarungka/blockstream/internal/logger"
)

// Runner executes one operator chain for one epoch and serves its split
// output. The chain runs to completion on a single pool goroutine (the
// runner's "main thread"); tagged bundles coming out of the terminal
// splitter are routed into one buffered channel per split index, which is
// where the backpressure between the pipeline and slow readers lives.
//
// A runner is built fresh for every epoch and abandoned when the next
// epoch's runner replaces it.
type Runner struct {
	id    string
	epoch int64
	chain []PhysicalOperator
	outs  []chan *RefBundle

	mu     sync.Mutex
	runErr error

	logger zerolog.Logger
}

// NewRunner builds a runner for the given chain. The first operator is the
// source and must need no input; the last must tag every output bundle with
// a split index in [0, n).
func NewRunner(epoch int64, n, bufferSize int, chain []PhysicalOperator) (*Runner, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("runner: empty operator chain")
	}
	if n <= 0 {
		return nil, fmt.Errorf("runner: need at least one output split, got %d", n)
	}
	if bufferSize <= 0 {
		bufferSize = 2
	}
	outs := make([]chan *RefBundle, n)
	for i := range outs {
		outs[i] = make(chan *RefBundle, bufferSize)
	}
	return &Runner{
		id:     uuid.NewString(),
		epoch:  epoch,
		chain:  chain,
		outs:   outs,
		logger: logger.GetLogger("runner"),
	}, nil
}

// Start submits the drive loop to the pool. The runner owns no goroutine of
// its own; the surrounding engine decides how much parallelism its pool
// allows.
func (r *Runner) Start(pool *ants.Pool) error {
	if err := pool.Submit(r.run); err != nil {
		return fmt.Errorf("runner: submitting drive loop: %w", err)
	}
	r.logger.Debug().Str("runner", r.id).Int64("epoch", r.epoch).Int("splits", len(r.outs)).Msg("Runner started")
	return nil
}

func (r *Runner) run() {
	defer func() {
		for _, ch := range r.outs {
			close(ch)
		}
	}()

	src := r.chain[0]
	rest := r.chain[1:]

	for src.HasNext() {
		bundle, err := src.GetNext()
		if err != nil {
			r.fail(err)
			return
		}
		if err := r.feed(rest, bundle); err != nil {
			r.fail(err)
			return
		}
	}

	// Input is exhausted; flush each stage in order so buffered output
	// still flows through the remainder of the chain.
	for i, op := range rest {
		op.InputDone()
		for op.HasNext() {
			bundle, err := op.GetNext()
			if err != nil {
				r.fail(err)
				return
			}
			if err := r.feed(rest[i+1:], bundle); err != nil {
				r.fail(err)
				return
			}
		}
	}

	r.logger.Debug().Str("runner", r.id).Int64("epoch", r.epoch).Msg("Runner drained")
}

// feed pushes a bundle into the first of ops and cascades any output it
// produces down the rest of the chain. With no operators left, the bundle
// is terminal output and gets routed to its split channel.
func (r *Runner) feed(ops []PhysicalOperator, bundle *RefBundle) error {
	if len(ops) == 0 {
		return r.emit(bundle)
	}
	if err := ops[0].AddInput(bundle, 0); err != nil {
		return err
	}
	for ops[0].HasNext() {
		out, err := ops[0].GetNext()
		if err != nil {
			return err
		}
		if err := r.feed(ops[1:], out); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) emit(bundle *RefBundle) error {
	idx := bundle.SplitIdx
	if idx < 0 || idx >= len(r.outs) {
		return fmt.Errorf("runner: terminal bundle tagged with split %d, want [0, %d)", idx, len(r.outs))
	}
	// May block on a full channel; that is the backpressure point. If the
	// runner is abandoned mid-epoch with this channel full, the send never
	// completes and the drive goroutine holds its pool worker until process
	// exit.
	r.outs[idx] <- bundle
	return nil
}

func (r *Runner) fail(err error) {
	r.mu.Lock()
	if r.runErr == nil {
		r.runErr = err
	}
	r.mu.Unlock()
	r.logger.Error().Err(err).Str("runner", r.id).Int64("epoch", r.epoch).Msg("Pipeline execution failed")
}

// Err returns the failure that stopped the run, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// GetNext blocks until the next bundle for the given split index is
// available. It returns io.EOF once that index will produce no more
// bundles this epoch; a pipeline failure is returned as-is after any
// already-buffered bundles have been consumed.
func (r *Runner) GetNext(splitIdx int) (*RefBundle, error) {
	if splitIdx < 0 || splitIdx >= len(r.outs) {
		return nil, fmt.Errorf("runner: split index %d out of range [0, %d)", splitIdx, len(r.outs))
	}
	bundle, ok := <-r.outs[splitIdx]
	if !ok {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return bundle, nil
}
