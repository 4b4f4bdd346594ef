package zkp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ccoin/shielded/pkg/types"
)

// Nullifier errors
var (
	ErrNullifierSpent   = errors.New("nullifier already spent")
	ErrNullifierUnknown = errors.New("nullifier not spent")
)

// SpentNullifier records the call that revealed a nullifier
type SpentNullifier struct {
	Nullifier types.Hash
	TxHash    types.Hash
	Block     uint64
}

// NullifierStore persists revealed nullifiers
type NullifierStore interface {
	// Get returns ErrNullifierUnknown for a nullifier never revealed
	Get(ctx context.Context, nullifier types.Hash) (*SpentNullifier, error)

	// PutAll stores a batch; it fails without writing if any entry exists
	PutAll(ctx context.Context, batch []SpentNullifier) error
}

// NullifierSet is the double-spend guard of the pool. A call's nullifiers
// are admitted together or not at all.
type NullifierSet struct {
	mu    sync.Mutex
	store NullifierStore
}

// NewNullifierSet wraps store
func NewNullifierSet(store NullifierStore) *NullifierSet {
	return &NullifierSet{store: store}
}

// Lookup returns where a nullifier was revealed
func (ns *NullifierSet) Lookup(ctx context.Context, nullifier types.Hash) (*SpentNullifier, bool, error) {
	rec, err := ns.store.Get(ctx, nullifier)
	if errors.Is(err, ErrNullifierUnknown) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// CheckFresh fails with ErrNullifierSpent naming the first nullifier already
// revealed
func (ns *NullifierSet) CheckFresh(ctx context.Context, nullifiers []types.Hash) error {
	for _, nf := range nullifiers {
		_, spent, err := ns.Lookup(ctx, nf)
		if err != nil {
			return err
		}
		if spent {
			return fmt.Errorf("%w: %s", ErrNullifierSpent, nf.Short())
		}
	}
	return nil
}

// SpendAll reveals every nullifier of one call
func (ns *NullifierSet) SpendAll(ctx context.Context, nullifiers []types.Hash, txHash types.Hash, block uint64) error {
	if len(nullifiers) == 0 {
		return nil
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if err := ns.CheckFresh(ctx, nullifiers); err != nil {
		return err
	}
	batch := make([]SpentNullifier, len(nullifiers))
	for i, nf := range nullifiers {
		batch[i] = SpentNullifier{Nullifier: nf, TxHash: txHash, Block: block}
	}
	return ns.store.PutAll(ctx, batch)
}

// MemoryNullifierStore keeps nullifiers in a map
type MemoryNullifierStore struct {
	mu      sync.RWMutex
	entries map[types.Hash]SpentNullifier
}

// NewMemoryNullifierStore creates an empty store
func NewMemoryNullifierStore() *MemoryNullifierStore {
	return &MemoryNullifierStore{entries: make(map[types.Hash]SpentNullifier)}
}

// Get implements NullifierStore
func (s *MemoryNullifierStore) Get(ctx context.Context, nullifier types.Hash) (*SpentNullifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entries[nullifier]
	if !ok {
		return nil, ErrNullifierUnknown
	}
	return &rec, nil
}

// PutAll implements NullifierStore
func (s *MemoryNullifierStore) PutAll(ctx context.Context, batch []SpentNullifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range batch {
		if _, ok := s.entries[rec.Nullifier]; ok {
			return fmt.Errorf("%w: %s", ErrNullifierSpent, rec.Nullifier.Short())
		}
	}
	for _, rec := range batch {
		s.entries[rec.Nullifier] = rec
	}
	return nil
}

// Len returns the number of revealed nullifiers
func (s *MemoryNullifierStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
