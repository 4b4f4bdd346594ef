package notestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

var (
	testAccount = types.AddressFromPublicKey([]byte("alice"))
	testSalt    = []byte("salt")
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func testConfig(c *clock) Config {
	cfg := DefaultConfig()
	cfg.Now = c.Now
	cfg.PendingTimeout = time.Minute
	return cfg
}

func openStore(t *testing.T, backend BlobStore, secret string, c *clock) *Store {
	t.Helper()
	s, err := Open(context.Background(), backend, Identity{Account: testAccount, Secret: []byte(secret)}, testSalt, testConfig(c))
	require.NoError(t, err)
	return s
}

func newNote(t *testing.T, amount uint64, c *clock) *Note {
	t.Helper()
	n, err := NewNote(uint256.NewInt(amount), nil, c.now)
	require.NoError(t, err)
	return n
}

// addUnspent adds a note and confirms it at leaf
func addUnspent(t *testing.T, s *Store, amount, leaf uint64, c *clock) *Note {
	t.Helper()
	ctx := context.Background()
	n := newNote(t, amount, c)
	require.NoError(t, s.Add(ctx, n))
	require.NoError(t, s.ConfirmLeaf(ctx, n.ID(), leaf))
	got, err := s.Get(n.ID())
	require.NoError(t, err)
	return got
}

func TestOpenPersistReopen(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	backend := NewMemoryBlobStore()
	s := openStore(t, backend, "secret", c)

	n := addUnspent(t, s, 100, 3, c)
	owner := zkp.OwnerScalar([]byte("alice"))
	owned, err := NewNote(uint256.NewInt(7), &owner, c.now)
	require.NoError(t, err)
	require.NoError(t, s.Add(context.Background(), owned))

	reopened := openStore(t, backend, "secret", c)
	require.False(t, reopened.ReadOnly())

	got, err := reopened.Get(n.ID())
	require.NoError(t, err)
	require.True(t, n.Equal(got))
	require.Equal(t, uint64(3), got.LeafIndex)

	gotOwned, err := reopened.Get(owned.ID())
	require.NoError(t, err)
	require.True(t, owned.Equal(gotOwned))
	require.Equal(t, uint256.NewInt(100), reopened.Balance())
}

func TestOpenWrongKeyIsReadOnly(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	backend := NewMemoryBlobStore()
	s := openStore(t, backend, "secret", c)
	addUnspent(t, s, 100, 0, c)

	before, _, err := backend.Load(context.Background(), BlobKey(testAccount))
	require.NoError(t, err)

	other, err := Open(context.Background(), backend, Identity{Account: testAccount, Secret: []byte("other")}, testSalt, testConfig(c))
	require.ErrorIs(t, err, ErrDecryptionMismatch)
	require.NotNil(t, other)
	require.True(t, other.ReadOnly())
	require.Empty(t, other.List())

	require.ErrorIs(t, other.Add(context.Background(), newNote(t, 1, c)), ErrReadOnly)

	after, _, err := backend.Load(context.Background(), BlobKey(testAccount))
	require.NoError(t, err)
	require.Equal(t, before, after, "foreign blob must not be overwritten")
}

func TestOpenCorruptBlob(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	backend := NewMemoryBlobStore()
	s := openStore(t, backend, "secret", c)
	addUnspent(t, s, 100, 0, c)

	blob, version, err := backend.Load(context.Background(), BlobKey(testAccount))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	version, err = backend.Save(context.Background(), BlobKey(testAccount), blob, version)
	require.NoError(t, err)

	_, err = Open(context.Background(), backend, Identity{Account: testAccount, Secret: []byte("secret")}, testSalt, testConfig(c))
	require.ErrorIs(t, err, ErrCorruptStore)

	_, err = backend.Save(context.Background(), BlobKey(testAccount), []byte("junk"), version)
	require.NoError(t, err)
	_, err = Open(context.Background(), backend, Identity{Account: testAccount, Secret: []byte("secret")}, testSalt, testConfig(c))
	require.ErrorIs(t, err, ErrCorruptStore)
}

func TestFailedPersistLeavesMemoryUnchanged(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	backend := NewMemoryBlobStore()
	s := openStore(t, backend, "secret", c)

	backend.FailSave = errors.New("disk full")
	require.Error(t, s.Add(context.Background(), newNote(t, 5, c)))
	require.Empty(t, s.List())
}

func TestConcurrentStoresKeepEachOthersNotes(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	ctx := context.Background()
	backend := NewMemoryBlobStore()
	a := openStore(t, backend, "secret", c)
	b := openStore(t, backend, "secret", c)

	first := newNote(t, 100, c)
	require.NoError(t, a.Add(ctx, first))
	second := newNote(t, 50, c)
	require.NoError(t, b.Add(ctx, second))

	_, err := b.Get(first.ID())
	require.NoError(t, err, "b reloads the note written by a")

	reopened := openStore(t, backend, "secret", c)
	require.Len(t, reopened.List(), 2)
	for _, id := range []NoteID{first.ID(), second.ID()} {
		_, err := reopened.Get(id)
		require.NoError(t, err)
	}
}

func TestConcurrentStoresCannotBothSpend(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	ctx := context.Background()
	backend := NewMemoryBlobStore()
	a := openStore(t, backend, "secret", c)
	n := addUnspent(t, a, 100, 0, c)
	b := openStore(t, backend, "secret", c)

	require.NoError(t, a.Reserve("op-a", []NoteID{n.ID()}))
	require.NoError(t, b.Reserve("op-b", []NoteID{n.ID()}))

	require.NoError(t, a.MarkPendingSpend(ctx, "op-a", []NoteID{n.ID()}, types.HashFromBytes([]byte{1})))
	err := b.MarkPendingSpend(ctx, "op-b", []NoteID{n.ID()}, types.HashFromBytes([]byte{2}))
	require.ErrorIs(t, err, ErrInvalidTransition)

	got, err := b.Get(n.ID())
	require.NoError(t, err)
	require.Equal(t, StatusPendingSpend, got.Status)
	require.Equal(t, types.HashFromBytes([]byte{1}), got.PendingTx)
}

func TestStaleVersionIsRejected(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBlobStore()

	v1, err := backend.Save(ctx, "k", []byte("one"), NoVersion)
	require.NoError(t, err)
	_, err = backend.Save(ctx, "k", []byte("other"), NoVersion)
	require.ErrorIs(t, err, ErrVersionConflict)

	v2, err := backend.Save(ctx, "k", []byte("two"), v1)
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)

	data, version, err := backend.Load(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), data)
	require.Equal(t, v2, version)
}

func TestAddRejectsBlindingReuse(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	s := openStore(t, NewMemoryBlobStore(), "secret", c)
	n := newNote(t, 10, c)
	require.NoError(t, s.Add(context.Background(), n))
	require.ErrorIs(t, s.Add(context.Background(), n), zkp.ErrBlindingReuse)

	// Same blinding, different amount: distinct commitment, same nullifier
	dup := n.Clone()
	dup.Amount = uint256.NewInt(11)
	var err error
	dup.Commitment, err = zkp.Commit(dup.Opening())
	require.NoError(t, err)
	require.ErrorIs(t, s.Add(context.Background(), dup), zkp.ErrBlindingReuse)

	bad := newNote(t, 10, c)
	bad.Commitment[31] ^= 1
	require.ErrorIs(t, s.Add(context.Background(), bad), zkp.ErrCommitmentMismatch)
}

func TestTransitionTableHasNoUnspentToSpent(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusUnconfirmed, StatusUnspent}:  true,
		{StatusUnspent, StatusPendingSpend}: true,
		{StatusPendingSpend, StatusSpent}:   true,
		{StatusPendingSpend, StatusUnspent}: true,
	}
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			require.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	c := &clock{now: time.Unix(1000, 0)}
	s := openStore(t, NewMemoryBlobStore(), "secret", c)
	n := addUnspent(t, s, 100, 0, c)
	require.ErrorIs(t, s.MarkSpent(context.Background(), n.ID()), ErrInvalidTransition)
}

func TestReservationIsExclusive(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	s := openStore(t, NewMemoryBlobStore(), "secret", c)
	a := addUnspent(t, s, 100, 0, c)
	b := addUnspent(t, s, 50, 1, c)

	require.NoError(t, s.Reserve("op1", []NoteID{a.ID()}))
	require.ErrorIs(t, s.Reserve("op2", []NoteID{b.ID(), a.ID()}), ErrNoteReserved)

	// all-or-nothing: b stays free
	_, held := s.Reserved(b.ID())
	require.False(t, held)
	require.Len(t, s.Spendable(), 1)

	s.Release("op1")
	require.NoError(t, s.Reserve("op2", []NoteID{a.ID(), b.ID()}))

	u := newNote(t, 5, c)
	require.NoError(t, s.Add(context.Background(), u))
	require.ErrorIs(t, s.Reserve("op3", []NoteID{u.ID()}), ErrNoteNotSpendable)
}

func TestSpendLifecycle(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1000, 0)}
	s := openStore(t, NewMemoryBlobStore(), "secret", c)
	a := addUnspent(t, s, 100, 0, c)
	tx := types.HashFromBytes([]byte{0xaa})

	require.ErrorIs(t, s.MarkPendingSpend(ctx, "op", []NoteID{a.ID()}, tx), ErrNoteReserved)
	require.NoError(t, s.Reserve("op", []NoteID{a.ID()}))
	require.NoError(t, s.MarkPendingSpend(ctx, "op", []NoteID{a.ID()}, tx))

	got, err := s.Get(a.ID())
	require.NoError(t, err)
	require.Equal(t, StatusPendingSpend, got.Status)
	require.Equal(t, tx, got.PendingTx)
	require.True(t, s.Balance().IsZero())
	require.ErrorIs(t, s.Remove(ctx, a.ID()), ErrNoteInUse)

	out := newNote(t, 99, c)
	require.NoError(t, out.transition(StatusUnspent))
	out.LeafIndex, out.HasLeaf = 1, true
	require.NoError(t, s.ApplyFinalized(ctx, Finalization{Spent: []NoteID{a.ID()}, Outputs: []*Note{out}}))

	got, err = s.Get(a.ID())
	require.NoError(t, err)
	require.Equal(t, StatusSpent, got.Status)
	require.True(t, got.PendingTx.IsEmpty())
	require.Equal(t, uint256.NewInt(99), s.Balance())
	_, held := s.Reserved(a.ID())
	require.False(t, held)

	require.NoError(t, s.Remove(ctx, a.ID()))
	require.Len(t, s.List(), 1)
}

func TestApplyFinalizedIsAtomic(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1000, 0)}
	s := openStore(t, NewMemoryBlobStore(), "secret", c)
	a := addUnspent(t, s, 100, 0, c)
	require.NoError(t, s.Reserve("op", []NoteID{a.ID()}))
	require.NoError(t, s.MarkPendingSpend(ctx, "op", []NoteID{a.ID()}, types.HashFromBytes([]byte{1})))

	// Unconfirmed output is refused, so the spend is not applied either
	bad := newNote(t, 99, c)
	require.Error(t, s.ApplyFinalized(ctx, Finalization{Spent: []NoteID{a.ID()}, Outputs: []*Note{bad}}))

	got, err := s.Get(a.ID())
	require.NoError(t, err)
	require.Equal(t, StatusPendingSpend, got.Status)
}

func TestConfirmLeafOnce(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1000, 0)}
	s := openStore(t, NewMemoryBlobStore(), "secret", c)
	n := newNote(t, 100, c)
	require.NoError(t, s.Add(ctx, n))
	require.NoError(t, s.ConfirmLeaf(ctx, n.ID(), 4))
	require.ErrorIs(t, s.ConfirmLeaf(ctx, n.ID(), 5), ErrLeafAlreadySet)
}

func TestExportImportIdentity(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1000, 0)}
	s := openStore(t, NewMemoryBlobStore(), "secret", c)
	addUnspent(t, s, 100, 0, c)
	c.now = c.now.Add(time.Second)
	p := addUnspent(t, s, 50, 1, c)
	require.NoError(t, s.Reserve("op", []NoteID{p.ID()}))
	require.NoError(t, s.MarkPendingSpend(ctx, "op", []NoteID{p.ID()}, types.HashFromBytes([]byte{2})))
	c.now = c.now.Add(time.Second)
	require.NoError(t, s.Add(ctx, newNote(t, 7, c)))

	data, err := s.Export()
	require.NoError(t, err)
	require.Contains(t, string(data), `"amount": "100"`)

	// Re-importing into the same store changes nothing
	added, err := s.Import(ctx, data)
	require.NoError(t, err)
	require.Zero(t, added)

	fresh := openStore(t, NewMemoryBlobStore(), "other", c)
	added, err = fresh.Import(ctx, data)
	require.NoError(t, err)
	require.Equal(t, 3, added)

	want := s.List()
	got := fresh.List()
	require.Len(t, got, len(want))
	for i := range want {
		require.True(t, want[i].Equal(got[i]), "note %d differs", i)
	}

	again, err := fresh.Export()
	require.NoError(t, err)
	require.JSONEq(t, string(data), string(again))
}

func TestImportRejectsTamperedNote(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1000, 0)}
	s := openStore(t, NewMemoryBlobStore(), "secret", c)
	addUnspent(t, s, 100, 0, c)
	addUnspent(t, s, 50, 1, c)
	data, err := s.Export()
	require.NoError(t, err)

	tampered := []byte(string(data))
	for i := 0; i+len(`"100"`) <= len(tampered); i++ {
		if string(tampered[i:i+5]) == `"100"` {
			copy(tampered[i:], `"900"`)
			break
		}
	}

	fresh := openStore(t, NewMemoryBlobStore(), "other", c)
	_, err = fresh.Import(ctx, tampered)
	require.ErrorIs(t, err, ErrInvalidImport)
	require.ErrorIs(t, err, zkp.ErrCommitmentMismatch)
	require.Empty(t, fresh.List(), "nothing is imported")

	_, err = fresh.Import(ctx, []byte(`[{"amount":"1","bogus":true}]`))
	require.ErrorIs(t, err, ErrInvalidImport)
}

type fakeHistory struct {
	nullifiers  map[types.Hash]bool
	commitments map[types.Hash]uint64
}

func (f *fakeHistory) FindNullifier(ctx context.Context, nf types.Hash) (*ledger.SpendRecord, bool, error) {
	if f.nullifiers[nf] {
		return &ledger.SpendRecord{Nullifier: nf, Block: 1}, true, nil
	}
	return nil, false, nil
}

func (f *fakeHistory) FindCommitment(ctx context.Context, cm types.Hash) (uint64, bool, error) {
	leaf, ok := f.commitments[cm]
	return leaf, ok, nil
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1000, 0)}
	s := openStore(t, NewMemoryBlobStore(), "secret", c)

	stale := addUnspent(t, s, 100, 0, c)
	spent := addUnspent(t, s, 50, 1, c)
	fresh := addUnspent(t, s, 20, 2, c)
	unconfirmed := newNote(t, 9, c)
	require.NoError(t, s.Add(ctx, unconfirmed))

	ids := []NoteID{stale.ID(), spent.ID()}
	require.NoError(t, s.Reserve("op", ids))
	require.NoError(t, s.MarkPendingSpend(ctx, "op", ids, types.HashFromBytes([]byte{3})))

	c.now = c.now.Add(2 * time.Minute)
	require.NoError(t, s.Reserve("op2", []NoteID{fresh.ID()}))
	require.NoError(t, s.MarkPendingSpend(ctx, "op2", []NoteID{fresh.ID()}, types.HashFromBytes([]byte{4})))

	history := &fakeHistory{
		nullifiers:  map[types.Hash]bool{spent.Nullifier: true},
		commitments: map[types.Hash]uint64{unconfirmed.Commitment: 3},
	}
	report, err := s.Reconcile(ctx, history)
	require.NoError(t, err)
	require.Equal(t, []NoteID{spent.ID()}, report.Spent)
	require.Equal(t, []NoteID{stale.ID()}, report.Reverted)
	require.Equal(t, []NoteID{unconfirmed.ID()}, report.Confirmed)

	status := func(id NoteID) Status {
		n, err := s.Get(id)
		require.NoError(t, err)
		return n.Status
	}
	require.Equal(t, StatusUnspent, status(stale.ID()))
	require.Equal(t, StatusSpent, status(spent.ID()))
	require.Equal(t, StatusPendingSpend, status(fresh.ID()), "within timeout")
	require.Equal(t, StatusUnspent, status(unconfirmed.ID()))
	require.Equal(t, uint256.NewInt(109), s.Balance())
}

func TestFileBlobStore(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = fs.Load(ctx, "notes/x")
	require.ErrorIs(t, err, ErrBlobNotFound)

	v1, err := fs.Save(ctx, "notes/x", []byte("one"), NoVersion)
	require.NoError(t, err)
	v2, err := fs.Save(ctx, "notes/x", []byte("two"), v1)
	require.NoError(t, err)
	_, err = fs.Save(ctx, "notes/x", []byte("three"), v1)
	require.ErrorIs(t, err, ErrVersionConflict)

	data, version, err := fs.Load(ctx, "notes/x")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), data)
	require.Equal(t, v2, version)

	c := &clock{now: time.Unix(1000, 0)}
	s := openStore(t, fs, "secret", c)
	n := addUnspent(t, s, 100, 0, c)
	other := openStore(t, fs, "secret", c)
	m := addUnspent(t, other, 40, 1, c)
	require.NoError(t, s.Add(ctx, newNote(t, 7, c)))

	reopened := openStore(t, fs, "secret", c)
	require.Len(t, reopened.List(), 3)
	got, err := reopened.Get(n.ID())
	require.NoError(t, err)
	require.True(t, n.Equal(got))
	_, err = reopened.Get(m.ID())
	require.NoError(t, err)
}
