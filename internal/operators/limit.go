package operators

import (
	"errors"
	"fmt"

	"github.com/tarungka/blockstream/internal/block"
	"github.com/tarungka/blockstream/internal/execution"
)

// ErrMissingRowCount reports an incoming bundle whose metadata carries no
// row count. The limit operator cannot make forwarding decisions without
// one, so this is fatal and must propagate.
var ErrMissingRowCount = errors.New("operators: bundle metadata missing row count")

// Limit bounds the total number of rows flowing downstream to a fixed
// limit, slicing the one block that straddles the boundary. Once the limit
// is reached further input is discarded; the operator never asks upstream
// to stop, it just stops forwarding.
type Limit struct {
	name     string
	upstream execution.PhysicalOperator
	store    *block.Store
	limit    int64
	consumed int64

	queue      []*execution.RefBundle
	outputMeta []block.Metadata
	inputDone  bool
}

// NewLimit wraps the upstream operator with a row cap. The store is needed
// to slice the boundary block.
func NewLimit(upstream execution.PhysicalOperator, store *block.Store, limit int64) *Limit {
	return &Limit{
		name:     fmt.Sprintf("Limit[limit=%d]", limit),
		upstream: upstream,
		store:    store,
		limit:    limit,
	}
}

func (l *Limit) Name() string { return l.name }

func (l *Limit) limitReached() bool { return l.consumed >= l.limit }

func (l *Limit) AddInput(bundle *execution.RefBundle, inputIndex int) error {
	if inputIndex != 0 {
		return fmt.Errorf("%s: unexpected input index %d", l.name, inputIndex)
	}
	if l.limitReached() {
		// Post-limit input is accepted and dropped.
		return nil
	}
	var out []execution.BlockRef
	for _, ref := range bundle.Blocks {
		if ref.Meta.NumRows == block.RowCountUnknown {
			return fmt.Errorf("%s: %w", l.name, ErrMissingRowCount)
		}
		rows := int64(ref.Meta.NumRows)
		if l.consumed+rows <= l.limit {
			l.consumed += rows
			out = append(out, ref)
			l.outputMeta = append(l.outputMeta, ref.Meta)
			continue
		}
		// The boundary block. Slice it to exactly the remaining rows; the
		// slice is a copy so the cut-off remainder is not retained. Any
		// later blocks in this bundle are dropped.
		keep := l.limit - l.consumed
		handle, meta, err := l.store.Slice(ref.Handle, 0, int(keep))
		if err != nil {
			return fmt.Errorf("%s: slicing boundary block: %w", l.name, err)
		}
		out = append(out, execution.BlockRef{Handle: handle, Meta: meta})
		l.outputMeta = append(l.outputMeta, meta)
		l.consumed = l.limit
		break
	}
	l.queue = append(l.queue, execution.NewRefBundle(out, bundle.OwnsBlocks))
	return nil
}

func (l *Limit) InputDone() { l.inputDone = true }

func (l *Limit) HasNext() bool { return len(l.queue) > 0 }

func (l *Limit) GetNext() (*execution.RefBundle, error) {
	if len(l.queue) == 0 {
		return nil, fmt.Errorf("%s: no output ready", l.name)
	}
	bundle := l.queue[0]
	l.queue = l.queue[1:]
	return bundle, nil
}

// NumOutputsTotal is exact once the cap has been hit; before that it is the
// upstream estimate clamped to the limit, or unknown if upstream does not
// know either.
func (l *Limit) NumOutputsTotal() (int64, bool) {
	if l.limitReached() {
		return l.limit, true
	}
	if est, ok := l.upstream.NumOutputsTotal(); ok {
		return min(est, l.limit), true
	}
	return 0, false
}

func (l *Limit) Stats() map[string][]block.Metadata {
	return map[string][]block.Metadata{l.name: l.outputMeta}
}

func (l *Limit) Completed() bool {
	return (l.inputDone || l.limitReached()) && len(l.queue) == 0
}
