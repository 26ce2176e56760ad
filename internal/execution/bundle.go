// Package execution defines the contracts tying pipeline stages together:
// the bundle of block references exchanged between operators, the physical
// operator interface every stage implements, and the per-epoch runner that
// drives an operator chain and fans its output out to split indices.
package execution

import (
	"github.com/tarungka/blockstream/internal/block"
)

// NoSplit is the SplitIdx of a bundle that has not passed the terminal
// output splitter yet.
const NoSplit = -1

// BlockRef pairs a block handle with the metadata describing it.
type BlockRef struct {
	Handle block.Handle
	Meta   block.Metadata
}

// RefBundle is an ordered group of block references moving between
// operators as one unit. It is immutable once constructed, except that a
// consumer holding it may progressively drain its blocks.
type RefBundle struct {
	Blocks []BlockRef
	// OwnsBlocks reports whether the consumer may treat the referenced
	// blocks as exclusively owned downstream, or must treat them as shared.
	OwnsBlocks bool
	// SplitIdx is the output split this bundle is destined for. Only the
	// terminal output splitter sets it; NoSplit everywhere else.
	SplitIdx int
}

func NewRefBundle(refs []BlockRef, ownsBlocks bool) *RefBundle {
	return &RefBundle{
		Blocks:     refs,
		OwnsBlocks: ownsBlocks,
		SplitIdx:   NoSplit,
	}
}

// NumRows sums the row counts of all blocks in the bundle. Returns
// block.RowCountUnknown if any block's count is unknown.
func (b *RefBundle) NumRows() int {
	total := 0
	for _, ref := range b.Blocks {
		if ref.Meta.NumRows == block.RowCountUnknown {
			return block.RowCountUnknown
		}
		total += ref.Meta.NumRows
	}
	return total
}

// SizeBytes sums the data sizes of all blocks in the bundle.
func (b *RefBundle) SizeBytes() int {
	total := 0
	for _, ref := range b.Blocks {
		total += ref.Meta.SizeBytes
	}
	return total
}

func (b *RefBundle) Empty() bool { return len(b.Blocks) == 0 }

// PopFront removes and returns the first remaining block reference.
// Draining head-first keeps delivery order intact even for multi-block
// bundles.
func (b *RefBundle) PopFront() (BlockRef, bool) {
	if len(b.Blocks) == 0 {
		return BlockRef{}, false
	}
	ref := b.Blocks[0]
	b.Blocks = b.Blocks[1:]
	return ref, true
}
