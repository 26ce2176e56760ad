package operators

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/tarungka/blockstream/internal/block"
	"github.com/tarungka/blockstream/internal/execution"
)

// TransformFunc produces a new block from an input block. It must not
// mutate the input.
type TransformFunc func(*block.Block) (*block.Block, error)

// Map applies a per-block transform. Blocks within one bundle are
// transformed in parallel on the shared pool; bundle order and block order
// within each bundle are preserved on output.
type Map struct {
	name     string
	upstream execution.PhysicalOperator
	store    *block.Store
	pool     *ants.Pool
	fn       TransformFunc

	queue      []*execution.RefBundle
	outputMeta []block.Metadata
	inputDone  bool
}

func NewMap(name string, upstream execution.PhysicalOperator, store *block.Store, pool *ants.Pool, fn TransformFunc) *Map {
	return &Map{
		name:     fmt.Sprintf("Map[%s]", name),
		upstream: upstream,
		store:    store,
		pool:     pool,
		fn:       fn,
	}
}

func (m *Map) Name() string { return m.name }

func (m *Map) AddInput(bundle *execution.RefBundle, inputIndex int) error {
	if inputIndex != 0 {
		return fmt.Errorf("%s: unexpected input index %d", m.name, inputIndex)
	}
	out := make([]execution.BlockRef, len(bundle.Blocks))
	errs := make([]error, len(bundle.Blocks))
	var wg sync.WaitGroup
	for i, ref := range bundle.Blocks {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			in, err := m.store.Get(ref.Handle)
			if err != nil {
				errs[i] = err
				return
			}
			transformed, err := m.fn(in)
			if err != nil {
				errs[i] = err
				return
			}
			out[i] = execution.BlockRef{Handle: m.store.Put(transformed), Meta: transformed.Meta()}
		}
		if err := m.pool.Submit(task); err != nil {
			errs[i] = err
			wg.Done()
		}
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
	}
	for _, ref := range out {
		m.outputMeta = append(m.outputMeta, ref.Meta)
	}
	// The transformed blocks are fresh copies nothing else references.
	m.queue = append(m.queue, execution.NewRefBundle(out, true))
	return nil
}

func (m *Map) InputDone() { m.inputDone = true }

func (m *Map) HasNext() bool { return len(m.queue) > 0 }

func (m *Map) GetNext() (*execution.RefBundle, error) {
	if len(m.queue) == 0 {
		return nil, fmt.Errorf("%s: no output ready", m.name)
	}
	bundle := m.queue[0]
	m.queue = m.queue[1:]
	return bundle, nil
}

func (m *Map) NumOutputsTotal() (int64, bool) { return m.upstream.NumOutputsTotal() }

func (m *Map) Stats() map[string][]block.Metadata {
	return map[string][]block.Metadata{m.name: m.outputMeta}
}

func (m *Map) Completed() bool { return m.inputDone && len(m.queue) == 0 }
