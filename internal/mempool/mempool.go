// Package mempool holds submitted extrinsics until a block includes them.
//
// Pending extrinsics never share a nullifier, so a block built from the pool
// cannot double-spend against itself. Entries are re-checked after every
// block: an extrinsic whose anchor left the root window or whose nullifier
// was revealed elsewhere is dropped with a reason.
package mempool

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ccoin/shielded/pkg/types"
)

// Mempool errors
var (
	ErrPoolFull        = errors.New("mempool is full")
	ErrTxAlreadyExists = errors.New("extrinsic already in mempool")
	ErrInsufficientFee = errors.New("insufficient extrinsic fee")
	ErrDoubleSpend     = errors.New("nullifier conflicts with a pending extrinsic")
	ErrExpired         = errors.New("extrinsic expired in mempool")
)

// Entry is a pending extrinsic
type Entry struct {
	Tx      *types.Extrinsic
	Hash    types.Hash
	AddedAt time.Time

	seq uint64
}

// Dropped is an entry removed by Revalidate
type Dropped struct {
	Hash types.Hash
	Err  error
}

// Config holds mempool configuration
type Config struct {
	MaxSize int
	MinFee  uint64

	// MaxAge drops entries not included in time; zero keeps them forever
	MaxAge time.Duration
}

// DefaultConfig returns default mempool configuration
func DefaultConfig() *Config {
	return &Config{
		MaxSize: 10000,
		MaxAge:  10 * time.Minute,
	}
}

// Mempool is the queue of extrinsics waiting for a block, ordered by fee
// and then by arrival
type Mempool struct {
	mu sync.RWMutex

	entries    map[types.Hash]*Entry
	nullifiers map[types.Hash]types.Hash // nullifier -> tx hash
	nextSeq    uint64

	cfg Config
	now func() time.Time
}

// NewMempool creates an empty pool
func NewMempool(cfg *Config) *Mempool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Mempool{
		entries:    make(map[types.Hash]*Entry),
		nullifiers: make(map[types.Hash]types.Hash),
		cfg:        *cfg,
		now:        time.Now,
	}
}

// Add queues an extrinsic. A full pool makes room only for a higher fee.
func (m *Mempool) Add(tx *types.Extrinsic) (types.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := tx.ComputeHash()
	if _, ok := m.entries[hash]; ok {
		return hash, ErrTxAlreadyExists
	}
	if tx.Fee < m.cfg.MinFee {
		return hash, fmt.Errorf("%w: %d < %d", ErrInsufficientFee, tx.Fee, m.cfg.MinFee)
	}
	for _, nf := range tx.Nullifiers {
		if other, ok := m.nullifiers[nf]; ok {
			return hash, fmt.Errorf("%w: tx %s", ErrDoubleSpend, other.Short())
		}
	}
	if m.cfg.MaxSize > 0 && len(m.entries) >= m.cfg.MaxSize && !m.evictCheapestLocked(tx.Fee) {
		return hash, ErrPoolFull
	}

	m.nextSeq++
	m.entries[hash] = &Entry{Tx: tx, Hash: hash, AddedAt: m.now(), seq: m.nextSeq}
	for _, nf := range tx.Nullifiers {
		m.nullifiers[nf] = hash
	}
	return hash, nil
}

// Remove drops an extrinsic if present
func (m *Mempool) Remove(hash types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(hash)
}

func (m *Mempool) removeLocked(hash types.Hash) {
	e, ok := m.entries[hash]
	if !ok {
		return
	}
	delete(m.entries, hash)
	for _, nf := range e.Tx.Nullifiers {
		delete(m.nullifiers, nf)
	}
}

// Has checks if an extrinsic is pending
func (m *Mempool) Has(hash types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[hash]
	return ok
}

// HasNullifier checks if a nullifier is claimed by a pending extrinsic
func (m *Mempool) HasNullifier(nullifier types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nullifiers[nullifier]
	return ok
}

// Take removes and returns up to max entries in block order. A max of zero
// takes everything.
func (m *Mempool) Take(max int) []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := m.orderedLocked()
	if max > 0 && len(ordered) > max {
		ordered = ordered[:max]
	}
	for _, e := range ordered {
		m.removeLocked(e.Hash)
	}
	return ordered
}

// Revalidate drops every entry that check rejects or that outlived MaxAge
func (m *Mempool) Revalidate(check func(*types.Extrinsic) error) []Dropped {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []Dropped
	now := m.now()
	for _, e := range m.orderedLocked() {
		err := check(e.Tx)
		if err == nil && m.cfg.MaxAge > 0 && now.Sub(e.AddedAt) > m.cfg.MaxAge {
			err = ErrExpired
		}
		if err != nil {
			m.removeLocked(e.Hash)
			dropped = append(dropped, Dropped{Hash: e.Hash, Err: err})
		}
	}
	return dropped
}

// Size returns the number of pending extrinsics
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// TotalFees returns the fees of all pending extrinsics
func (m *Mempool) TotalFees() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total uint64
	for _, e := range m.entries {
		total += e.Tx.Fee
	}
	return total
}

func (m *Mempool) orderedLocked() []*Entry {
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *Entry) int {
		if c := cmp.Compare(b.Tx.Fee, a.Tx.Fee); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// evictCheapestLocked drops the last entry in block order if it pays less
// than fee
func (m *Mempool) evictCheapestLocked(fee uint64) bool {
	ordered := m.orderedLocked()
	if len(ordered) == 0 {
		return false
	}
	last := ordered[len(ordered)-1]
	if last.Tx.Fee >= fee {
		return false
	}
	m.removeLocked(last.Hash)
	return true
}
