package operators

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tarungka/blockstream/internal/block"
	"github.com/tarungka/blockstream/internal/execution"
	"github.com/tarungka/blockstream/internal/logger"
)

// OutputSplitter is the terminal operator of a split pipeline. Every output
// bundle it produces is tagged with a destination split index in [0, n),
// and within one index bundles come out in input order.
//
// In best-effort mode whole bundles go to the currently least-loaded index.
// In equal mode rows are water-filled across indices, slicing blocks as
// needed, so the per-index row totals never differ by more than one row at
// any point in the stream.
type OutputSplitter struct {
	name     string
	upstream execution.PhysicalOperator
	store    *block.Store
	n        int
	equal    bool
	hints    []string
	counts   []int64

	queue      []*execution.RefBundle
	outputMeta []block.Metadata
	inputDone  bool
	logger     zerolog.Logger
}

// NewOutputSplitter builds a splitter over n output indices. Locality hints
// are optional; when present there must be one per index. The hints only
// feed the surrounding engine's placement decisions, they never change how
// rows are balanced.
func NewOutputSplitter(upstream execution.PhysicalOperator, store *block.Store, n int, equal bool, hints []string) (*OutputSplitter, error) {
	if n <= 0 {
		return nil, fmt.Errorf("splitter: need at least one output split, got %d", n)
	}
	if len(hints) != 0 && len(hints) != n {
		return nil, fmt.Errorf("splitter: got %d locality hints for %d splits", len(hints), n)
	}
	s := &OutputSplitter{
		name:     fmt.Sprintf("OutputSplitter[n=%d,equal=%v]", n, equal),
		upstream: upstream,
		store:    store,
		n:        n,
		equal:    equal,
		hints:    hints,
		counts:   make([]int64, n),
		logger:   logger.GetLogger("splitter"),
	}
	if len(hints) > 0 {
		s.logger.Info().Strs("hints", hints).Msg("Locality hints recorded for output placement")
	}
	return s, nil
}

func (s *OutputSplitter) Name() string { return s.name }

func (s *OutputSplitter) AddInput(bundle *execution.RefBundle, inputIndex int) error {
	if inputIndex != 0 {
		return fmt.Errorf("%s: unexpected input index %d", s.name, inputIndex)
	}
	if s.equal {
		return s.addEqual(bundle)
	}
	s.addBestEffort(bundle)
	return nil
}

// addBestEffort routes the whole bundle to the least-loaded index. Lowest
// index wins ties, which keeps the assignment deterministic.
func (s *OutputSplitter) addBestEffort(bundle *execution.RefBundle) {
	idx := 0
	for i := 1; i < s.n; i++ {
		if s.counts[i] < s.counts[idx] {
			idx = i
		}
	}
	rows := bundle.NumRows()
	if rows != block.RowCountUnknown {
		s.counts[idx] += int64(rows)
	}
	s.emit(bundle.Blocks, bundle.OwnsBlocks, idx)
}

// addEqual water-fills each block's rows across the indices: first top up
// every index sitting below the current high-water mark, then deal whatever
// is left evenly. Both steps keep the max-min spread at one row or less, so
// the equal guarantee holds at every point in the stream, including its
// end.
func (s *OutputSplitter) addEqual(bundle *execution.RefBundle) error {
	for _, ref := range bundle.Blocks {
		if ref.Meta.NumRows == block.RowCountUnknown {
			return fmt.Errorf("%s: %w", s.name, ErrMissingRowCount)
		}
		rows := int64(ref.Meta.NumRows)
		owns := bundle.OwnsBlocks
		cursor := int64(0)

		hi := s.counts[0]
		for _, c := range s.counts[1:] {
			if c > hi {
				hi = c
			}
		}
		// Top up indices below the high-water mark, lowest index first.
		for i := 0; i < s.n && cursor < rows; i++ {
			need := hi - s.counts[i]
			if need <= 0 {
				continue
			}
			give := min(need, rows-cursor)
			if err := s.emitSlice(ref, owns, cursor, give, i); err != nil {
				return err
			}
			cursor += give
		}
		// Everything is level now (or the block ran out); deal the rest
		// evenly, one extra row to the first remainder indices.
		remaining := rows - cursor
		if remaining > 0 {
			q, r := remaining/int64(s.n), remaining%int64(s.n)
			for i := 0; i < s.n && cursor < rows; i++ {
				give := q
				if int64(i) < r {
					give++
				}
				if give == 0 {
					continue
				}
				if err := s.emitSlice(ref, owns, cursor, give, i); err != nil {
					return err
				}
				cursor += give
			}
		}
	}
	return nil
}

// emitSlice routes rows [cursor, cursor+give) of the block to split idx,
// passing the block through untouched when the range covers all of it. A
// pass-through keeps the incoming ownership flag; a sliced copy is owned.
func (s *OutputSplitter) emitSlice(ref execution.BlockRef, owns bool, cursor, give int64, idx int) error {
	s.counts[idx] += give
	if cursor == 0 && give == int64(ref.Meta.NumRows) {
		s.emit([]execution.BlockRef{ref}, owns, idx)
		return nil
	}
	handle, meta, err := s.store.Slice(ref.Handle, int(cursor), int(cursor+give))
	if err != nil {
		return fmt.Errorf("%s: slicing for split %d: %w", s.name, idx, err)
	}
	s.emit([]execution.BlockRef{{Handle: handle, Meta: meta}}, true, idx)
	return nil
}

func (s *OutputSplitter) emit(refs []execution.BlockRef, ownsBlocks bool, idx int) {
	bundle := execution.NewRefBundle(refs, ownsBlocks)
	bundle.SplitIdx = idx
	for _, ref := range refs {
		s.outputMeta = append(s.outputMeta, ref.Meta)
	}
	s.queue = append(s.queue, bundle)
}

func (s *OutputSplitter) InputDone() { s.inputDone = true }

func (s *OutputSplitter) HasNext() bool { return len(s.queue) > 0 }

func (s *OutputSplitter) GetNext() (*execution.RefBundle, error) {
	if len(s.queue) == 0 {
		return nil, fmt.Errorf("%s: no output ready", s.name)
	}
	bundle := s.queue[0]
	s.queue = s.queue[1:]
	return bundle, nil
}

func (s *OutputSplitter) NumOutputsTotal() (int64, bool) { return s.upstream.NumOutputsTotal() }

func (s *OutputSplitter) Stats() map[string][]block.Metadata {
	return map[string][]block.Metadata{s.name: s.outputMeta}
}

func (s *OutputSplitter) Completed() bool { return s.inputDone && len(s.queue) == 0 }

// RowCounts reports the rows assigned to each split so far.
func (s *OutputSplitter) RowCounts() []int64 {
	out := make([]int64, s.n)
	copy(out, s.counts)
	return out
}
