package split

import (
	"fmt"

	"github.com/tarungka/blockstream/internal/block"
)

// Reader is one client's handle onto a shared split stream, bound to a
// single output index for its lifetime. Per epoch: StartEpoch once, then
// Next until io.EOF, then StartEpoch again to join the next epoch's
// barrier. A reader only ever presents epoch ids it received from its own
// most recent StartEpoch.
type Reader struct {
	coord    *Coordinator
	store    *block.Store
	splitIdx int
	epoch    int64
	started  bool
}

// NewReaders creates one reader per output split of the coordinator.
func NewReaders(coord *Coordinator, store *block.Store) []*Reader {
	readers := make([]*Reader, coord.N())
	for i := range readers {
		readers[i] = &Reader{coord: coord, store: store, splitIdx: i}
	}
	return readers
}

func (r *Reader) SplitIdx() int { return r.splitIdx }

// StartEpoch joins the barrier for the next epoch. Blocks until all other
// readers have joined too.
func (r *Reader) StartEpoch() (int64, error) {
	epoch, err := r.coord.StartEpoch(r.splitIdx)
	if err != nil {
		return 0, err
	}
	r.epoch = epoch
	r.started = true
	return epoch, nil
}

// Next returns the handle of the next block in this reader's split, or
// io.EOF at end of epoch.
func (r *Reader) Next() (block.Handle, error) {
	if !r.started {
		return "", fmt.Errorf("split: reader %d: StartEpoch before Next", r.splitIdx)
	}
	return r.coord.Get(r.epoch, r.splitIdx)
}

// NextBlock is Next resolved through the block store; this is the form the
// batching layer consumes.
func (r *Reader) NextBlock() (*block.Block, error) {
	handle, err := r.Next()
	if err != nil {
		return nil, err
	}
	return r.store.Get(handle)
}
