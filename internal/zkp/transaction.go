package zkp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ccoin/shielded/pkg/types"
)

// Extrinsic processing errors
var (
	ErrInvalidAnchor      = errors.New("unknown merkle anchor")
	ErrProofFailed        = errors.New("extrinsic proof verification failed")
	ErrSignalMismatch     = errors.New("public signals do not match extrinsic")
	ErrDuplicateNullifier = errors.New("nullifier repeated within extrinsic")
	ErrMalformedCall      = errors.New("malformed shielded call")
)

// Verifier checks proofs against public signals
type Verifier interface {
	Verify(id CircuitID, proof []byte, signals []types.Hash) error
}

// PoolConfig holds shielded pool configuration
type PoolConfig struct {
	// RootHistory is how many recent roots are accepted as anchors
	RootHistory int
}

// DefaultPoolConfig returns default pool configuration
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{RootHistory: 1}
}

// ShieldedPool applies shielded calls to the commitment tree and nullifier set
type ShieldedPool struct {
	mu sync.RWMutex

	tree       *CommitmentTree
	nullifiers *NullifierSet

	// nil skips cryptographic verification
	verifier Verifier

	roots       []types.Hash
	rootHistory int
}

// NewShieldedPool creates a new shielded pool
func NewShieldedPool(tree *CommitmentTree, nullifiers *NullifierSet, verifier Verifier, cfg *PoolConfig) *ShieldedPool {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	if cfg.RootHistory < 1 {
		cfg.RootHistory = 1
	}

	return &ShieldedPool{
		tree:        tree,
		nullifiers:  nullifiers,
		verifier:    verifier,
		roots:       []types.Hash{tree.Root()},
		rootHistory: cfg.RootHistory,
	}
}

// Tree returns the commitment tree
func (sp *ShieldedPool) Tree() *CommitmentTree {
	return sp.tree
}

// Nullifiers returns the nullifier set
func (sp *ShieldedPool) Nullifiers() *NullifierSet {
	return sp.nullifiers
}

// CurrentRoot returns the current commitment tree root
func (sp *ShieldedPool) CurrentRoot() types.Hash {
	return sp.tree.Root()
}

// IsKnownRoot reports whether root is within the accepted anchor window
func (sp *ShieldedPool) IsKnownRoot(root types.Hash) bool {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.isKnownRootLocked(root)
}

func (sp *ShieldedPool) isKnownRootLocked(root types.Hash) bool {
	for _, r := range sp.roots {
		if r == root {
			return true
		}
	}
	return false
}

// CheckExtrinsic validates a call against current state without applying it
func (sp *ShieldedPool) CheckExtrinsic(ctx context.Context, x *types.Extrinsic) error {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.checkLocked(ctx, x)
}

func (sp *ShieldedPool) checkLocked(ctx context.Context, x *types.Extrinsic) error {
	if err := CheckSignals(x); err != nil {
		return err
	}

	if x.Kind != types.KindDeposit {
		if !sp.isKnownRootLocked(x.Root) {
			return fmt.Errorf("%w: %s", ErrInvalidAnchor, x.Root.Short())
		}
		if err := sp.nullifiers.CheckFresh(ctx, x.Nullifiers); err != nil {
			return err
		}
	}

	if sp.verifier != nil {
		if err := sp.verifier.Verify(CircuitID(x.Proof.Circuit), x.Proof.Data, x.Proof.PublicSignals); err != nil {
			return fmt.Errorf("%w: %v", ErrProofFailed, err)
		}
	}
	return nil
}

// ProcessExtrinsic validates and applies a call. It returns the leaf index of
// every new commitment, in extrinsic order.
func (sp *ShieldedPool) ProcessExtrinsic(ctx context.Context, x *types.Extrinsic, blockHeight uint64) ([]uint64, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if err := sp.checkLocked(ctx, x); err != nil {
		return nil, err
	}

	if err := sp.nullifiers.SpendAll(ctx, x.Nullifiers, x.ComputeHash(), blockHeight); err != nil {
		return nil, err
	}

	leaves := make([]uint64, len(x.Commitments))
	for i, cm := range x.Commitments {
		idx, err := sp.tree.Append(ctx, cm)
		if err != nil {
			return nil, err
		}
		leaves[i] = idx
	}

	if len(x.Commitments) > 0 {
		sp.roots = append(sp.roots, sp.tree.Root())
		if len(sp.roots) > sp.rootHistory {
			sp.roots = sp.roots[len(sp.roots)-sp.rootHistory:]
		}
	}

	return leaves, nil
}

// AppendCommitment adds a commitment outside any call and advances the root
func (sp *ShieldedPool) AppendCommitment(ctx context.Context, cm types.Hash) (uint64, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	idx, err := sp.tree.Append(ctx, cm)
	if err != nil {
		return 0, err
	}
	sp.roots = append(sp.roots, sp.tree.Root())
	if len(sp.roots) > sp.rootHistory {
		sp.roots = sp.roots[len(sp.roots)-sp.rootHistory:]
	}
	return idx, nil
}

// CheckSignals verifies the public signals describe exactly the extrinsic's
// nullifiers, commitments and public amounts.
func CheckSignals(x *types.Extrinsic) error {
	signals := x.Proof.PublicSignals

	switch x.Kind {
	case types.KindDeposit:
		if CircuitID(x.Proof.Circuit) != CircuitDeposit || len(signals) != DepositSignalCount {
			return ErrSignalMismatch
		}
		if len(x.Commitments) != 1 || len(x.Nullifiers) != 0 || len(x.Payouts) != 0 || x.DepositAmount == 0 {
			return ErrMalformedCall
		}
		if signals[0] != x.Commitments[0] || signals[1] != Uint64Element(x.DepositAmount) {
			return ErrSignalMismatch
		}
		return nil

	case types.KindWithdraw, types.KindTransfer:
		if CircuitID(x.Proof.Circuit) != CircuitSpend || len(signals) != SpendSignalCount {
			return ErrSignalMismatch
		}
		if len(x.Nullifiers) == 0 || len(x.Nullifiers) > MaxInputs || len(x.Commitments) > MaxOutputs {
			return ErrMalformedCall
		}
		if x.DepositAmount != 0 {
			return ErrMalformedCall
		}
		if x.Kind == types.KindWithdraw && (len(x.Commitments) != 0 || x.ExitAmount() == 0) {
			return ErrMalformedCall
		}
		if x.Kind == types.KindTransfer && (len(x.Payouts) != 0 || len(x.Commitments) == 0) {
			return ErrMalformedCall
		}

		seen := make(map[types.Hash]struct{}, len(x.Nullifiers))
		for _, nf := range x.Nullifiers {
			if _, dup := seen[nf]; dup {
				return ErrDuplicateNullifier
			}
			seen[nf] = struct{}{}
		}

		if signals[0] != x.Root {
			return ErrSignalMismatch
		}
		for i := 0; i < MaxInputs; i++ {
			want := types.EmptyHash
			if i < len(x.Nullifiers) {
				want = x.Nullifiers[i]
			}
			if signals[1+i] != want {
				return ErrSignalMismatch
			}
		}
		for j := 0; j < MaxOutputs; j++ {
			want := types.EmptyHash
			if j < len(x.Commitments) {
				want = x.Commitments[j]
			}
			if signals[1+MaxInputs+j] != want {
				return ErrSignalMismatch
			}
		}
		if signals[1+MaxInputs+MaxOutputs] != Uint64Element(x.ExitAmount()) {
			return ErrSignalMismatch
		}
		if signals[2+MaxInputs+MaxOutputs] != Uint64Element(x.Fee) {
			return ErrSignalMismatch
		}
		return nil

	default:
		return types.ErrUnknownKind
	}
}
