// Package operators contains the concrete pipeline stages: the in-memory
// source, the row-limiting operator, the parallel map operator, and the
// terminal output splitter.
package operators

import (
	"fmt"

	"github.com/tarungka/blockstream/internal/block"
	"github.com/tarungka/blockstream/internal/execution"
)

// Source emits a preconfigured sequence of blocks, one single-block bundle
// per block. It needs no input and completes once drained.
type Source struct {
	name      string
	queue     []*execution.RefBundle
	emitted   []block.Metadata
	totalRows int64
}

// NewSource registers the given blocks in the store and queues them up as
// output. The emitted bundles own their blocks: nothing else references
// them.
func NewSource(store *block.Store, blocks []*block.Block) *Source {
	s := &Source{
		name: fmt.Sprintf("Source[blocks=%d]", len(blocks)),
	}
	for _, b := range blocks {
		meta := b.Meta()
		ref := execution.BlockRef{Handle: store.Put(b), Meta: meta}
		s.queue = append(s.queue, execution.NewRefBundle([]execution.BlockRef{ref}, true))
		s.totalRows += int64(meta.NumRows)
	}
	return s
}

func (s *Source) Name() string { return s.name }

func (s *Source) AddInput(bundle *execution.RefBundle, inputIndex int) error {
	return fmt.Errorf("%s: source operator takes no input", s.name)
}

func (s *Source) InputDone() {}

func (s *Source) HasNext() bool { return len(s.queue) > 0 }

func (s *Source) GetNext() (*execution.RefBundle, error) {
	if len(s.queue) == 0 {
		return nil, fmt.Errorf("%s: no output ready", s.name)
	}
	bundle := s.queue[0]
	s.queue = s.queue[1:]
	for _, ref := range bundle.Blocks {
		s.emitted = append(s.emitted, ref.Meta)
	}
	return bundle, nil
}

func (s *Source) NumOutputsTotal() (int64, bool) { return s.totalRows, true }

func (s *Source) Stats() map[string][]block.Metadata {
	return map[string][]block.Metadata{s.name: s.emitted}
}

func (s *Source) Completed() bool { return len(s.queue) == 0 }
