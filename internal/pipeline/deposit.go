package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/internal/notestore"
	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

// Validation errors
var (
	ErrZeroAmount          = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBadRecipient        = errors.New("invalid recipient address")
	ErrNoteCount           = errors.New("invalid number of source notes")
	ErrOutputCount         = errors.New("invalid number of outputs")
)

// Deposit moves public funds from the signer account into a new note
type Deposit struct {
	Amount uint64
	Fee    uint64
}

// Deposit runs a deposit: Building, Proving, Submitting, InBlock, Finalized.
// The new note is stored Unconfirmed before broadcast and gets its leaf
// index on finality.
func (r *Runner) Deposit(ctx context.Context, d Deposit) (*Result, error) {
	rn := r.newRun(types.KindDeposit)
	rn.to(StateBuilding)

	if d.Amount == 0 {
		return nil, rn.fail(ReasonValidation, ErrZeroAmount)
	}
	if r.notes.ReadOnly() {
		return nil, rn.fail(ReasonDecryptionMismatch, notestore.ErrReadOnly)
	}
	public, err := r.ledger.Balance(ctx, r.signer.Account())
	if err != nil {
		return nil, rn.fail(ReasonSubmissionError, fmt.Errorf("query balance: %w", err))
	}
	if total := d.Amount + d.Fee; total < d.Amount || public < total {
		return nil, rn.fail(ReasonValidation, fmt.Errorf("%w: have %d, need %d+%d", ErrInsufficientBalance, public, d.Amount, d.Fee))
	}

	owner := zkp.OwnerScalar(r.signer.PublicKey())
	note, err := notestore.NewNote(uint256.NewInt(d.Amount), &owner, r.cfg.Now())
	if err != nil {
		return nil, rn.failFrom(err)
	}
	if err := rn.cancelled(ctx); err != nil {
		return nil, err
	}

	rn.to(StateProving)
	inputs := &zkp.DepositInputs{
		Amount:     d.Amount,
		Owner:      owner,
		Blinding:   note.Blinding,
		Commitment: note.Commitment,
	}
	proof, err := r.prover.Prove(ctx, inputs)
	if err != nil {
		return nil, rn.failFrom(err)
	}
	if err := rn.cancelled(ctx); err != nil {
		return nil, err
	}

	rn.to(StateSubmitting)
	x := &types.Extrinsic{
		Version:       types.ExtrinsicVersion,
		Kind:          types.KindDeposit,
		Operation:     rn.opID,
		Commitments:   []types.Hash{note.Commitment},
		DepositAmount: d.Amount,
		Fee:           d.Fee,
		Proof:         proof.Extrinsic(),
	}
	if err := ledger.SignExtrinsic(ctx, r.signer, x); err != nil {
		return nil, rn.fail(ReasonSubmissionError, fmt.Errorf("sign: %w", err))
	}
	rn.result.TxHash = x.ComputeHash()
	rn.result.Created = []notestore.NoteID{note.ID()}

	if err := r.notes.Add(ctx, note); err != nil {
		return nil, rn.failFrom(err)
	}
	discard := func() {
		if err := r.notes.Remove(context.WithoutCancel(ctx), note.ID()); err != nil {
			rn.log.Error().Err(err).Str("note", note.Commitment.Short()).Msg("discard unconfirmed note")
		}
	}

	sub, err := rn.broadcast(ctx, x)
	if err != nil {
		discard()
		return nil, rn.fail(ReasonSubmissionError, err)
	}
	defer sub.Close()

	out := rn.observe(ctx, sub)
	switch {
	case out.finalized != nil:
		leaf, ok := out.finalized.LeafOf(note.Commitment)
		if !ok {
			return nil, rn.fail(ReasonFatal, fmt.Errorf("finalized deposit %s has no leaf for its commitment", rn.result.TxHash.Short()))
		}
		err := r.notes.ApplyFinalized(context.WithoutCancel(ctx), notestore.Finalization{
			Confirmed: map[notestore.NoteID]uint64{note.ID(): leaf},
		})
		if err != nil {
			return nil, rn.fail(ReasonFatal, err)
		}
		rn.to(StateFinalized)
		return rn.finish(), nil

	case out.rejected != nil:
		discard()
		return nil, rn.fail(ReasonRejected, fmt.Errorf("%s: %s", out.rejected.Kind, out.rejected.Reason))

	default:
		rn.transition(StatePending, ReasonNone)
		return rn.finish(), nil
	}
}
