package memledger

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

const testDepth = 8

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Depth = testDepth
	cfg.FinalityLag = 0
	l, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return l
}

func newSigner(t *testing.T) *ledger.KeySigner {
	t.Helper()
	s, err := ledger.GenerateKeySigner()
	require.NoError(t, err)
	return s
}

func commitment(t *testing.T, amount uint64) types.Hash {
	t.Helper()
	b, err := zkp.NewBlinding()
	require.NoError(t, err)
	cm, err := zkp.Commit(zkp.Opening{Amount: uint256.NewInt(amount), Blinding: b})
	require.NoError(t, err)
	return cm
}

func deposit(t *testing.T, s ledger.Signer, amount uint64, cm types.Hash) *types.Extrinsic {
	t.Helper()
	x := &types.Extrinsic{
		Version:       types.ExtrinsicVersion,
		Kind:          types.KindDeposit,
		Commitments:   []types.Hash{cm},
		DepositAmount: amount,
		Proof: types.Proof{
			Circuit:       string(zkp.CircuitDeposit),
			Data:          []byte{1},
			PublicSignals: []types.Hash{cm, zkp.Uint64Element(amount)},
		},
	}
	require.NoError(t, ledger.SignExtrinsic(context.Background(), s, x))
	return x
}

func withdraw(t *testing.T, s ledger.Signer, root, nf types.Hash, to types.Address, amount, fee uint64) *types.Extrinsic {
	t.Helper()
	x := &types.Extrinsic{
		Version:    types.ExtrinsicVersion,
		Kind:       types.KindWithdraw,
		Root:       root,
		Nullifiers: []types.Hash{nf},
		Payouts:    []types.Payout{{To: to, Amount: amount}},
		Fee:        fee,
		Proof: types.Proof{
			Circuit: string(zkp.CircuitSpend),
			Data:    []byte{1},
			PublicSignals: []types.Hash{
				root, nf, types.EmptyHash, types.EmptyHash, types.EmptyHash,
				zkp.Uint64Element(amount), zkp.Uint64Element(fee),
			},
		},
	}
	require.NoError(t, ledger.SignExtrinsic(context.Background(), s, x))
	return x
}

func next(t *testing.T, sub *ledger.Subscription) ledger.StatusEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no status event")
		return ledger.StatusEvent{}
	}
}

func TestDepositLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	s := newSigner(t)
	l.Credit(s.Account(), 150)

	emptyRoot, err := l.Root(ctx)
	require.NoError(t, err)
	require.Equal(t, zkp.EmptyRoot(testDepth), emptyRoot)

	cm := commitment(t, 100)
	x := deposit(t, s, 100, cm)

	sub, err := l.Watch(ctx, x.ComputeHash())
	require.NoError(t, err)
	defer sub.Close()

	hash, err := l.Submit(ctx, x)
	require.NoError(t, err)
	require.Equal(t, x.ComputeHash(), hash)
	require.Equal(t, 1, l.Pending())

	_, err = l.ProduceBlock(ctx)
	require.NoError(t, err)

	ev := next(t, sub)
	require.Equal(t, ledger.StatusInBlock, ev.Kind)
	ev = next(t, sub)
	require.Equal(t, ledger.StatusFinalized, ev.Kind)
	leaf, ok := ev.LeafOf(cm)
	require.True(t, ok)
	require.Equal(t, uint64(0), leaf)

	bal, err := l.Balance(ctx, s.Account())
	require.NoError(t, err)
	require.Equal(t, uint64(50), bal)

	got, found, err := l.FindCommitment(ctx, cm)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(0), got)

	root, err := l.Root(ctx)
	require.NoError(t, err)
	sib, err := l.Sibling(ctx, 0, 1)
	require.NoError(t, err)
	require.Equal(t, types.EmptyHash, sib)
	require.NotEqual(t, emptyRoot, root)
}

func TestSubmitChecks(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	s := newSigner(t)
	l.Credit(s.Account(), 10)

	_, err := l.Submit(ctx, deposit(t, s, 100, commitment(t, 100)))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	x := deposit(t, s, 5, commitment(t, 5))
	x.DepositAmount = 6
	_, err = l.Submit(ctx, x)
	require.ErrorIs(t, err, ledger.ErrBadSignature)

	x = deposit(t, s, 5, commitment(t, 5))
	x.Proof.PublicSignals[1] = zkp.Uint64Element(4)
	require.NoError(t, ledger.SignExtrinsic(ctx, s, x))
	_, err = l.Submit(ctx, x)
	require.ErrorIs(t, err, zkp.ErrSignalMismatch)

	stale := withdraw(t, s, types.HashFromBytes([]byte{1}), types.HashFromBytes([]byte{2}), s.Account(), 1, 0)
	_, err = l.Submit(ctx, stale)
	require.ErrorIs(t, err, zkp.ErrInvalidAnchor)
}

func TestWithdrawAndDoubleSpend(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	s := newSigner(t)
	recipient := types.AddressFromPublicKey([]byte("bob"))

	root, err := l.Root(ctx)
	require.NoError(t, err)
	nf := types.HashFromBytes([]byte{7})

	first := withdraw(t, s, root, nf, recipient, 60, 1)
	sub, err := l.Watch(ctx, first.ComputeHash())
	require.NoError(t, err)
	defer sub.Close()
	_, err = l.Submit(ctx, first)
	require.NoError(t, err)

	// same nullifier while the first is pending
	_, err = l.Submit(ctx, withdraw(t, s, root, nf, recipient, 59, 2))
	require.Error(t, err)

	_, err = l.ProduceBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusInBlock, next(t, sub).Kind)
	fin := next(t, sub)
	require.Equal(t, ledger.StatusFinalized, fin.Kind)
	require.Equal(t, []types.Hash{nf}, fin.Nullifiers)

	bal, err := l.Balance(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, uint64(60), bal)

	rec, found, err := l.FindNullifier(ctx, nf)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, first.ComputeHash(), rec.TxHash)

	_, err = l.Submit(ctx, withdraw(t, s, root, nf, recipient, 60, 3))
	require.ErrorIs(t, err, zkp.ErrNullifierSpent)
}

func TestFailAndDropHooks(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	s := newSigner(t)
	l.Credit(s.Account(), 100)

	x := deposit(t, s, 10, commitment(t, 10))
	sub, err := l.Watch(ctx, x.ComputeHash())
	require.NoError(t, err)
	defer sub.Close()

	l.FailNext("bad origin")
	_, err = l.Submit(ctx, x)
	require.NoError(t, err)
	_, err = l.ProduceBlock(ctx)
	require.NoError(t, err)
	ev := next(t, sub)
	require.Equal(t, ledger.StatusDispatchError, ev.Kind)
	require.Equal(t, "bad origin", ev.Reason)
	require.NoError(t, ev.Validate())

	y := deposit(t, s, 11, commitment(t, 11))
	sub2, err := l.Watch(ctx, y.ComputeHash())
	require.NoError(t, err)
	defer sub2.Close()

	l.DropNext("pool full")
	_, err = l.Submit(ctx, y)
	require.NoError(t, err)
	ev = next(t, sub2)
	require.Equal(t, ledger.StatusDropped, ev.Kind)
	require.Zero(t, l.Pending())

	bal, err := l.Balance(ctx, s.Account())
	require.NoError(t, err)
	require.Equal(t, uint64(100), bal)
}

func TestHoldFinalityAndForeignAppend(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	s := newSigner(t)
	l.Credit(s.Account(), 100)

	var seen []ledger.StatusKind
	stop := l.OnStatus(func(ev ledger.StatusEvent) { seen = append(seen, ev.Kind) })
	defer stop()

	l.HoldFinality(true)
	x := deposit(t, s, 10, commitment(t, 10))
	_, err := l.Submit(ctx, x)
	require.NoError(t, err)
	_, err = l.ProduceBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, []ledger.StatusKind{ledger.StatusInBlock}, seen)
	_, ok := l.IsFinalized(x.ComputeHash())
	require.False(t, ok)

	before, err := l.Root(ctx)
	require.NoError(t, err)
	idx, err := l.AppendForeign(ctx, commitment(t, 3))
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)
	after, err := l.Root(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before, after)

	l.HoldFinality(false)
	l.Finalize(ctx)
	require.Equal(t, []ledger.StatusKind{ledger.StatusInBlock, ledger.StatusFinalized}, seen)
	_, ok = l.IsFinalized(x.ComputeHash())
	require.True(t, ok)
}

func TestLeftoverWithStaleAnchorIsDropped(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Depth = testDepth
	cfg.FinalityLag = 0
	cfg.MaxBlockExtrinsics = 1
	l, err := New(ctx, cfg)
	require.NoError(t, err)

	s := newSigner(t)
	l.Credit(s.Account(), 100)
	_, err = l.AppendForeign(ctx, commitment(t, 50))
	require.NoError(t, err)
	root, err := l.Root(ctx)
	require.NoError(t, err)

	w := withdraw(t, s, root, zkp.Uint64Element(42), s.Account(), 49, 1)
	sub, err := l.Watch(ctx, w.ComputeHash())
	require.NoError(t, err)
	defer sub.Close()
	_, err = l.Submit(ctx, w)
	require.NoError(t, err)

	// the deposit pays more, fills the block and moves the root past w's anchor
	d := deposit(t, s, 10, commitment(t, 10))
	d.Fee = 5
	require.NoError(t, ledger.SignExtrinsic(ctx, s, d))
	_, err = l.Submit(ctx, d)
	require.NoError(t, err)

	_, err = l.ProduceBlock(ctx)
	require.NoError(t, err)

	ev := next(t, sub)
	require.Equal(t, ledger.StatusDropped, ev.Kind)
	require.Contains(t, ev.Reason, zkp.ErrInvalidAnchor.Error())
	require.Zero(t, l.Pending())
}

func TestRunProducesBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Depth = testDepth
	cfg.BlockInterval = 5 * time.Millisecond
	l, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Run(ctx), context.DeadlineExceeded)
	require.Greater(t, l.Height(), uint64(1))
}
