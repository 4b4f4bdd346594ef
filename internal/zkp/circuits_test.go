package zkp

import (
	"context"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/test"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/pkg/types"
)

const testDepth = 4

type testNote struct {
	amount     uint64
	blinding   types.Hash
	owner      types.Hash
	ownerBound bool
}

func newTestNote(t *testing.T, amount uint64, owned bool) testNote {
	b, err := NewBlinding()
	require.NoError(t, err)
	n := testNote{amount: amount, blinding: b}
	if owned {
		n.owner = OwnerScalar([]byte("owner"))
		n.ownerBound = true
	}
	return n
}

func (n testNote) commitment(t *testing.T) types.Hash {
	cm, err := Commit(Opening{
		Amount:     uint256.NewInt(n.amount),
		Blinding:   n.blinding,
		Owner:      n.owner,
		OwnerBound: n.ownerBound,
	})
	require.NoError(t, err)
	return cm
}

// buildSpend appends the notes to a fresh tree and returns spend inputs for them
func buildSpend(t *testing.T, notes []testNote, outputs []uint64, exit, fee uint64) *SpendInputs {
	ctx := context.Background()
	tree := NewCommitmentTree(NewMemoryTreeStore(), testDepth)

	// a foreign leaf so paths are not trivial
	_, err := tree.Append(ctx, Uint64Element(999))
	require.NoError(t, err)

	indices := make([]uint64, len(notes))
	for i, n := range notes {
		indices[i], err = tree.Append(ctx, n.commitment(t))
		require.NoError(t, err)
	}

	in := &SpendInputs{Root: tree.Root(), ExitAmount: exit, Fee: fee}
	for i, n := range notes {
		siblings, err := tree.Path(ctx, indices[i])
		require.NoError(t, err)
		in.Notes = append(in.Notes, SpendNote{
			Amount:     n.amount,
			Blinding:   n.blinding,
			Owner:      n.owner,
			OwnerBound: n.ownerBound,
			LeafIndex:  indices[i],
			Siblings:   siblings,
		})
	}
	for _, amount := range outputs {
		b, err := NewBlinding()
		require.NoError(t, err)
		in.Outputs = append(in.Outputs, SpendOutput{Amount: amount, Blinding: b})
	}
	return in
}

func TestDepositCircuitSolved(t *testing.T) {
	n := newTestNote(t, 100, true)
	in := &DepositInputs{Amount: 100, Owner: n.owner, Blinding: n.blinding, Commitment: n.commitment(t)}
	require.NoError(t, in.Validate())

	err := test.IsSolved(&DepositCircuit{}, DepositAssignment(in), ecc.BN254.ScalarField())
	require.NoError(t, err)

	in.Amount = 101
	require.ErrorIs(t, in.Validate(), ErrCommitmentMismatch)
	err = test.IsSolved(&DepositCircuit{}, DepositAssignment(in), ecc.BN254.ScalarField())
	require.Error(t, err)
}

func TestSpendCircuitTransfer(t *testing.T) {
	in := buildSpend(t,
		[]testNote{newTestNote(t, 100, true), newTestNote(t, 50, false)},
		[]uint64{120, 29}, 0, 1)
	require.NoError(t, in.Validate())

	assignment, err := SpendAssignment(in, testDepth)
	require.NoError(t, err)
	require.NoError(t, test.IsSolved(NewSpendCircuit(testDepth), assignment, ecc.BN254.ScalarField()))
}

func TestSpendCircuitWithdrawSingleInput(t *testing.T) {
	in := buildSpend(t, []testNote{newTestNote(t, 100, true)}, nil, 99, 1)
	assignment, err := SpendAssignment(in, testDepth)
	require.NoError(t, err)
	require.NoError(t, test.IsSolved(NewSpendCircuit(testDepth), assignment, ecc.BN254.ScalarField()))

	signals := in.PublicSignals()
	require.Len(t, signals, SpendSignalCount)
	require.Equal(t, types.EmptyHash, signals[2])
	require.Equal(t, types.EmptyHash, signals[3])
	require.Equal(t, Uint64Element(99), signals[5])
}

func TestSpendCircuitRejectsInflation(t *testing.T) {
	in := buildSpend(t, []testNote{newTestNote(t, 100, false)}, []uint64{100}, 0, 1)
	require.ErrorIs(t, in.Validate(), ErrConservation)

	// bypass native validation and check the constraint system catches it
	assignment, err := SpendAssignment(&SpendInputs{
		Root: in.Root, Notes: in.Notes, Outputs: []SpendOutput{{Amount: 99, Blinding: in.Outputs[0].Blinding}}, Fee: 1,
	}, testDepth)
	require.NoError(t, err)
	assignment.OutAmount[0] = 100
	require.Error(t, test.IsSolved(NewSpendCircuit(testDepth), assignment, ecc.BN254.ScalarField()))
}

func TestSpendCircuitRejectsWrongRoot(t *testing.T) {
	in := buildSpend(t, []testNote{newTestNote(t, 10, false)}, []uint64{9}, 0, 1)
	assignment, err := SpendAssignment(in, testDepth)
	require.NoError(t, err)

	assignment.Root = element(Uint64Element(12345))
	require.Error(t, test.IsSolved(NewSpendCircuit(testDepth), assignment, ecc.BN254.ScalarField()))
}

func TestSpendInputsValidate(t *testing.T) {
	in := buildSpend(t, []testNote{newTestNote(t, 10, false)}, []uint64{9}, 0, 1)
	in.Notes[0].LeafIndex++
	require.ErrorIs(t, in.Validate(), ErrInvalidPath)

	empty := &SpendInputs{}
	require.ErrorIs(t, empty.Validate(), ErrInputCount)
}

func TestGroth16RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}

	cm := NewCircuitManager(testDepth)
	require.NoError(t, cm.CompileAll())
	ctx := context.Background()

	n := newTestNote(t, 100, true)
	deposit := &DepositInputs{Amount: 100, Owner: n.owner, Blinding: n.blinding, Commitment: n.commitment(t)}
	proof, err := cm.Prove(ctx, deposit)
	require.NoError(t, err)
	require.NoError(t, cm.Verify(CircuitDeposit, proof, deposit.PublicSignals()))

	tampered := deposit.PublicSignals()
	tampered[1] = Uint64Element(1000)
	require.ErrorIs(t, cm.Verify(CircuitDeposit, proof, tampered), ErrProofVerificationFailed)

	spend := buildSpend(t, []testNote{n, newTestNote(t, 50, false)}, []uint64{120, 29}, 0, 1)
	proof, err = cm.Prove(ctx, spend)
	require.NoError(t, err)
	require.NoError(t, cm.Verify(CircuitSpend, proof, spend.PublicSignals()))
}

func TestCompileWithKeysSharesSetup(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	dir := t.TempDir()

	prover := NewCircuitManager(testDepth)
	require.NoError(t, prover.CompileWithKeys(dir))

	n := newTestNote(t, 7, true)
	deposit := &DepositInputs{Amount: 7, Owner: n.owner, Blinding: n.blinding, Commitment: n.commitment(t)}
	proof, err := prover.Prove(context.Background(), deposit)
	require.NoError(t, err)

	// A second manager loads the saved keys instead of running a new setup
	verifier := NewCircuitManager(testDepth)
	require.NoError(t, verifier.CompileWithKeys(dir))
	require.NoError(t, verifier.Verify(CircuitDeposit, proof, deposit.PublicSignals()))

	// Keys of another depth are not mixed up
	other := NewCircuitManager(testDepth + 1)
	pk, _ := other.keyPaths(dir, CircuitSpend)
	require.NoFileExists(t, pk)
}
