// Package memledger is an in-process shielded pool ledger used by tests and
// the development node. It keeps a commitment tree, a nullifier set, public
// account balances and a mempool, and produces blocks on demand or on a timer.
package memledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/internal/mempool"
	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

// ErrInsufficientBalance is returned when a deposit exceeds the public balance
var ErrInsufficientBalance = errors.New("insufficient public balance")

// Config holds simulated ledger settings
type Config struct {
	// Depth of the commitment tree
	Depth int

	// RootHistory is the number of recent roots accepted as anchors
	RootHistory int

	// Verifier checks proofs; nil accepts any proof with matching signals
	Verifier zkp.Verifier

	// VerifySignatures checks extrinsic signatures on submit
	VerifySignatures bool

	// BlockInterval drives Run; zero disables the timer
	BlockInterval time.Duration

	// FinalityLag is the number of blocks between inclusion and finality
	FinalityLag uint64

	// MaxBlockExtrinsics caps a block; zero includes everything pending
	MaxBlockExtrinsics int

	Mempool *mempool.Config
	Logger  zerolog.Logger
}

// DefaultConfig returns the default simulated ledger configuration
func DefaultConfig() Config {
	return Config{
		Depth:            zkp.DefaultTreeDepth,
		RootHistory:      1,
		VerifySignatures: true,
		BlockInterval:    time.Second,
		FinalityLag:      1,
		Mempool:          mempool.DefaultConfig(),
		Logger:           zerolog.Nop(),
	}
}

// included is an extrinsic waiting for finality
type included struct {
	tx       *types.Extrinsic
	hash     types.Hash
	block    uint64
	appended []ledger.AppendedLeaf
}

// Ledger is a single-node shielded pool ledger
type Ledger struct {
	mu sync.Mutex

	cfg  Config
	log  zerolog.Logger
	pool *zkp.ShieldedPool
	txs  *mempool.Mempool

	height    uint64
	balances  map[types.Address]uint64
	unfinal   []*included
	finalized map[types.Hash]uint64 // tx hash -> block

	spends      map[types.Hash]ledger.SpendRecord
	commitments map[types.Hash]uint64

	watchers  map[types.Hash]map[*ledger.Subscription]struct{}
	listeners map[int]func(ledger.StatusEvent)
	nextID    int

	// test hooks
	failNext  []string
	dropNext  []string
	holdFinal bool
}

// New creates a ledger with an empty tree
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Depth <= 0 {
		cfg.Depth = zkp.DefaultTreeDepth
	}
	if cfg.Depth > zkp.MaxTreeDepth {
		return nil, fmt.Errorf("tree depth %d exceeds %d", cfg.Depth, zkp.MaxTreeDepth)
	}

	tree := zkp.NewCommitmentTree(zkp.NewMemoryTreeStore(), cfg.Depth)
	if err := tree.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("init tree: %w", err)
	}
	nullifiers := zkp.NewNullifierSet(zkp.NewMemoryNullifierStore())
	pool := zkp.NewShieldedPool(tree, nullifiers, cfg.Verifier, &zkp.PoolConfig{RootHistory: cfg.RootHistory})

	return &Ledger{
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "memledger").Logger(),
		pool:        pool,
		txs:         mempool.NewMempool(cfg.Mempool),
		balances:    make(map[types.Address]uint64),
		finalized:   make(map[types.Hash]uint64),
		spends:      make(map[types.Hash]ledger.SpendRecord),
		commitments: make(map[types.Hash]uint64),
		watchers:    make(map[types.Hash]map[*ledger.Subscription]struct{}),
		listeners:   make(map[int]func(ledger.StatusEvent)),
	}, nil
}

// Root implements ledger.Querier
func (l *Ledger) Root(ctx context.Context) (types.Hash, error) {
	return l.pool.CurrentRoot(), nil
}

// TreeDepth implements ledger.Querier
func (l *Ledger) TreeDepth(ctx context.Context) (int, error) {
	return l.pool.Tree().Depth(), nil
}

// Sibling implements ledger.Querier
func (l *Ledger) Sibling(ctx context.Context, level int, index uint64) (types.Hash, error) {
	h, err := l.pool.Tree().Node(ctx, level, index)
	if err != nil {
		return types.EmptyHash, fmt.Errorf("%w: node (%d, %d)", ledger.ErrNotFound, level, index)
	}
	return h, nil
}

// Balance implements ledger.Querier
func (l *Ledger) Balance(ctx context.Context, addr types.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr], nil
}

// Credit adds public funds to an account
func (l *Ledger) Credit(addr types.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] += amount
}

// Height returns the latest block height
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// FindNullifier implements ledger.History
func (l *Ledger) FindNullifier(ctx context.Context, nullifier types.Hash) (*ledger.SpendRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.spends[nullifier]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

// FindCommitment implements ledger.History
func (l *Ledger) FindCommitment(ctx context.Context, commitment types.Hash) (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	leaf, ok := l.commitments[commitment]
	return leaf, ok, nil
}

// Watch implements ledger.Submitter
func (l *Ledger) Watch(ctx context.Context, txHash types.Hash) (*ledger.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sub *ledger.Subscription
	sub = ledger.NewSubscription(txHash, 16, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if set, ok := l.watchers[txHash]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(l.watchers, txHash)
			}
		}
	})
	if l.watchers[txHash] == nil {
		l.watchers[txHash] = make(map[*ledger.Subscription]struct{})
	}
	l.watchers[txHash][sub] = struct{}{}
	return sub, nil
}

// OnStatus registers a callback for every status event. It returns a
// function that removes the callback.
func (l *Ledger) OnStatus(fn func(ledger.StatusEvent)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.listeners, id)
	}
}

// Submit implements ledger.Submitter. The extrinsic is checked against the
// current state and queued for the next block.
func (l *Ledger) Submit(ctx context.Context, x *types.Extrinsic) (types.Hash, error) {
	if err := x.Validate(); err != nil {
		return types.EmptyHash, err
	}
	if l.cfg.VerifySignatures {
		if err := ledger.VerifyExtrinsic(x); err != nil {
			return types.EmptyHash, err
		}
	}
	if err := l.pool.CheckExtrinsic(ctx, x); err != nil {
		return types.EmptyHash, err
	}

	l.mu.Lock()
	if x.Kind == types.KindDeposit && l.balances[x.Signer] < x.DepositAmount+x.Fee {
		l.mu.Unlock()
		return types.EmptyHash, fmt.Errorf("%w: %s", ErrInsufficientBalance, x.Signer)
	}
	hash, err := l.txs.Add(x)
	if err != nil {
		l.mu.Unlock()
		return types.EmptyHash, err
	}

	var dropped []ledger.StatusEvent
	if len(l.dropNext) > 0 {
		reason := l.dropNext[0]
		l.dropNext = l.dropNext[1:]
		l.txs.Remove(hash)
		dropped = append(dropped, ledger.StatusEvent{Kind: ledger.StatusDropped, TxHash: hash, Reason: reason})
	}
	l.mu.Unlock()

	l.log.Debug().Str("tx", hash.Short()).Stringer("kind", x.Kind).Msg("extrinsic submitted")
	l.publish(dropped)
	return hash, nil
}

// ProduceBlock includes pending extrinsics in a new block and finalizes
// blocks older than FinalityLag. It returns the new height.
func (l *Ledger) ProduceBlock(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	l.height++
	height := l.height

	var events []ledger.StatusEvent
	var done []*types.Extrinsic
	for _, entry := range l.txs.Take(l.cfg.MaxBlockExtrinsics) {
		x := entry.Tx
		done = append(done, x)

		if len(l.failNext) > 0 {
			reason := l.failNext[0]
			l.failNext = l.failNext[1:]
			events = append(events, ledger.StatusEvent{Kind: ledger.StatusDispatchError, TxHash: entry.Hash, Reason: reason})
			continue
		}

		inc, err := l.applyLocked(ctx, x, entry.Hash, height)
		if err != nil {
			events = append(events, ledger.StatusEvent{Kind: ledger.StatusDispatchError, TxHash: entry.Hash, Reason: err.Error()})
			continue
		}
		l.unfinal = append(l.unfinal, inc)
		events = append(events, ledger.StatusEvent{
			Kind:       ledger.StatusInBlock,
			TxHash:     entry.Hash,
			Block:      height,
			Appended:   inc.appended,
			Nullifiers: x.Nullifiers,
		})
	}
	for _, d := range l.txs.Revalidate(func(x *types.Extrinsic) error { return l.checkLocked(ctx, x) }) {
		events = append(events, ledger.StatusEvent{Kind: ledger.StatusDropped, TxHash: d.Hash, Reason: d.Err.Error()})
	}

	if !l.holdFinal {
		events = append(events, l.finalizeLocked(height)...)
	}
	l.mu.Unlock()

	l.log.Debug().Uint64("height", height).Int("extrinsics", len(done)).Msg("block produced")
	l.publish(events)
	return height, nil
}

// checkLocked re-checks a pending extrinsic against current state
func (l *Ledger) checkLocked(ctx context.Context, x *types.Extrinsic) error {
	if err := l.pool.CheckExtrinsic(ctx, x); err != nil {
		return err
	}
	if x.Kind == types.KindDeposit && l.balances[x.Signer] < x.DepositAmount+x.Fee {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, x.Signer)
	}
	return nil
}

// applyLocked executes an extrinsic against pool state and balances
func (l *Ledger) applyLocked(ctx context.Context, x *types.Extrinsic, hash types.Hash, height uint64) (*included, error) {
	if x.Kind == types.KindDeposit && l.balances[x.Signer] < x.DepositAmount+x.Fee {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientBalance, x.Signer)
	}

	leaves, err := l.pool.ProcessExtrinsic(ctx, x, height)
	if err != nil {
		return nil, err
	}

	switch x.Kind {
	case types.KindDeposit:
		l.balances[x.Signer] -= x.DepositAmount + x.Fee
	case types.KindWithdraw:
		for _, p := range x.Payouts {
			l.balances[p.To] += p.Amount
		}
	}

	inc := &included{tx: x, hash: hash, block: height}
	for i, cm := range x.Commitments {
		inc.appended = append(inc.appended, ledger.AppendedLeaf{Commitment: cm, LeafIndex: leaves[i]})
	}
	return inc, nil
}

func (l *Ledger) finalizeLocked(height uint64) []ledger.StatusEvent {
	var events []ledger.StatusEvent
	keep := l.unfinal[:0]
	for _, inc := range l.unfinal {
		if inc.block+l.cfg.FinalityLag > height {
			keep = append(keep, inc)
			continue
		}
		l.finalized[inc.hash] = inc.block
		for _, nf := range inc.tx.Nullifiers {
			l.spends[nf] = ledger.SpendRecord{Nullifier: nf, TxHash: inc.hash, Block: inc.block}
		}
		for _, leaf := range inc.appended {
			l.commitments[leaf.Commitment] = leaf.LeafIndex
		}
		events = append(events, ledger.StatusEvent{
			Kind:       ledger.StatusFinalized,
			TxHash:     inc.hash,
			Block:      inc.block,
			Appended:   inc.appended,
			Nullifiers: inc.tx.Nullifiers,
		})
	}
	l.unfinal = keep
	return events
}

// Finalize finalizes every included extrinsic regardless of FinalityLag
func (l *Ledger) Finalize(ctx context.Context) {
	l.mu.Lock()
	events := l.finalizeLocked(l.height + l.cfg.FinalityLag)
	l.mu.Unlock()
	l.publish(events)
}

// IsFinalized reports the finalized block of an extrinsic
func (l *Ledger) IsFinalized(txHash types.Hash) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.finalized[txHash]
	return b, ok
}

// publish delivers events to watchers and listeners outside the lock
func (l *Ledger) publish(events []ledger.StatusEvent) {
	for _, ev := range events {
		l.mu.Lock()
		subs := make([]*ledger.Subscription, 0, len(l.watchers[ev.TxHash]))
		for sub := range l.watchers[ev.TxHash] {
			subs = append(subs, sub)
		}
		listeners := make([]func(ledger.StatusEvent), 0, len(l.listeners))
		for _, fn := range l.listeners {
			listeners = append(listeners, fn)
		}
		l.mu.Unlock()

		for _, sub := range subs {
			sub.Deliver(ev)
		}
		for _, fn := range listeners {
			fn(ev)
		}
		l.log.Debug().Str("tx", ev.TxHash.Short()).Stringer("status", ev.Kind).Uint64("block", ev.Block).Msg("status event")
	}
}

// Run produces a block every BlockInterval until ctx ends
func (l *Ledger) Run(ctx context.Context) error {
	if l.cfg.BlockInterval <= 0 {
		return errors.New("block interval not set")
	}
	ticker := time.NewTicker(l.cfg.BlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.ProduceBlock(ctx); err != nil {
				l.log.Error().Err(err).Msg("block production failed")
			}
		}
	}
}

// AppendForeign appends a commitment from outside the wallet, advancing the root
func (l *Ledger) AppendForeign(ctx context.Context, cm types.Hash) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, err := l.pool.AppendCommitment(ctx, cm)
	if err != nil {
		return 0, err
	}
	l.commitments[cm] = idx
	return idx, nil
}

// FailNext makes the next included extrinsic fail dispatch with reason
func (l *Ledger) FailNext(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = append(l.failNext, reason)
}

// DropNext makes the next submitted extrinsic drop from the pool
func (l *Ledger) DropNext(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropNext = append(l.dropNext, reason)
}

// HoldFinality stops or resumes finalization
func (l *Ledger) HoldFinality(hold bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdFinal = hold
}

// Pending returns the number of queued extrinsics
func (l *Ledger) Pending() int {
	return l.txs.Size()
}

var _ ledger.Client = (*Ledger)(nil)
