package block

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tarungka/blockstream/internal/logger"
)

// Handle is an opaque reference to a block held in a Store. Operators and
// the split coordinator exchange handles, never blocks, so that block data
// can live anywhere the store decides to keep it.
type Handle string

// ErrUnknownHandle is returned when a handle does not resolve to a block.
var ErrUnknownHandle = fmt.Errorf("block: unknown handle")

// Store is an in-memory registry of blocks keyed by handle. It stands in
// for the object store the handles would point into in a distributed
// deployment.
type Store struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	blocks map[Handle]*Block
}

func NewStore() *Store {
	return &Store{
		logger: logger.GetLogger("blockstore"),
		blocks: make(map[Handle]*Block),
	}
}

// Put registers a block and returns its handle.
func (s *Store) Put(b *Block) Handle {
	h := Handle(uuid.NewString())
	s.mu.Lock()
	s.blocks[h] = b
	s.mu.Unlock()
	s.logger.Trace().Str("handle", string(h)).Int("rows", b.NumRows()).Msg("Registered block")
	return h
}

// Get resolves a handle to its block.
func (s *Store) Get(h Handle) (*Block, error) {
	s.mu.RLock()
	b, ok := s.blocks[h]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return b, nil
}

// Slice resolves a handle, copies rows [start, end) into a new registered
// block, and returns the new handle with metadata re-derived from the copy.
func (s *Store) Slice(h Handle, start, end int) (Handle, Metadata, error) {
	b, err := s.Get(h)
	if err != nil {
		return "", Metadata{}, err
	}
	sliced, err := b.Slice(start, end)
	if err != nil {
		return "", Metadata{}, err
	}
	return s.Put(sliced), sliced.Meta(), nil
}

// Len reports how many blocks the store currently holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}
