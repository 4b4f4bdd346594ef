package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/holiman/uint256"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/internal/merkle"
	"github.com/ccoin/shielded/internal/notestore"
	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

// Withdraw spends notes to a public address. Whatever the notes hold beyond
// Amount and Fee is refunded to the signer's own public account.
type Withdraw struct {
	// Notes to spend; selected automatically when empty
	Notes     []notestore.NoteID
	Amount    uint64
	Recipient string
	Fee       uint64
}

// Transfer spends notes into new notes. Inputs must equal outputs plus fee.
type Transfer struct {
	// Notes to spend; selected automatically when empty
	Notes   []notestore.NoteID
	Outputs []uint64
	Fee     uint64
}

// spendPlan is the validated form of a withdraw or transfer
type spendPlan struct {
	notes   []*notestore.Note
	outputs []*notestore.Note
	payouts []types.Payout
	exit    uint64
	fee     uint64
}

func (p *spendPlan) spentIDs() []notestore.NoteID {
	ids := make([]notestore.NoteID, len(p.notes))
	for i, n := range p.notes {
		ids[i] = n.ID()
	}
	return ids
}

func (p *spendPlan) createdIDs() []notestore.NoteID {
	ids := make([]notestore.NoteID, len(p.outputs))
	for i, n := range p.outputs {
		ids[i] = n.ID()
	}
	return ids
}

// Withdraw runs a withdraw
func (r *Runner) Withdraw(ctx context.Context, w Withdraw) (*Result, error) {
	rn := r.newRun(types.KindWithdraw)
	rn.to(StateBuilding)

	if w.Amount == 0 {
		return nil, rn.fail(ReasonValidation, ErrZeroAmount)
	}
	recipient, err := types.ParseAddress(w.Recipient)
	if err != nil {
		return nil, rn.fail(ReasonValidation, fmt.Errorf("%w: %w", ErrBadRecipient, err))
	}
	need, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(w.Amount), uint256.NewInt(w.Fee))
	if overflow {
		return nil, rn.fail(ReasonValidation, ErrInsufficientBalance)
	}

	notes, err := rn.acquire(w.Notes, need, selectNotes)
	if err != nil {
		return nil, err
	}
	defer r.notes.Release(rn.op)

	total := sumNotes(notes)
	if total.Lt(need) {
		return nil, rn.fail(ReasonValidation, fmt.Errorf("%w: notes hold %s, need %s", ErrInsufficientBalance, total.Dec(), need.Dec()))
	}
	// exit is amount plus refund and has to fit a single public amount
	exit := new(uint256.Int).Sub(total, uint256.NewInt(w.Fee))
	if !exit.IsUint64() {
		return nil, rn.fail(ReasonValidation, fmt.Errorf("%w: notes hold %s, withdrawn amount plus refund exceeds 64 bits", zkp.ErrAmountRange, total.Dec()))
	}
	refund := exit.Uint64() - w.Amount

	plan := &spendPlan{
		notes:   notes,
		payouts: []types.Payout{{To: recipient, Amount: w.Amount}},
		exit:    exit.Uint64(),
		fee:     w.Fee,
	}
	if refund > 0 {
		plan.payouts = append(plan.payouts, types.Payout{To: r.signer.Account(), Amount: refund})
		rn.result.Refund = refund
	}
	return rn.spend(ctx, plan)
}

// Transfer runs a private transfer
func (r *Runner) Transfer(ctx context.Context, t Transfer) (*Result, error) {
	rn := r.newRun(types.KindTransfer)
	rn.to(StateBuilding)

	if len(t.Outputs) == 0 || len(t.Outputs) > zkp.MaxOutputs {
		return nil, rn.fail(ReasonValidation, fmt.Errorf("%w: %d", ErrOutputCount, len(t.Outputs)))
	}
	need := uint256.NewInt(t.Fee)
	for _, amount := range t.Outputs {
		if amount == 0 {
			return nil, rn.fail(ReasonValidation, ErrZeroAmount)
		}
		need.Add(need, uint256.NewInt(amount))
	}

	auto := len(t.Notes) == 0
	withChange := auto && len(t.Outputs) < zkp.MaxOutputs
	notes, err := rn.acquire(t.Notes, need, func(candidates []*notestore.Note, need *uint256.Int) ([]*notestore.Note, error) {
		return selectTransferNotes(candidates, need, withChange)
	})
	if err != nil {
		return nil, err
	}
	defer r.notes.Release(rn.op)

	outputs := t.Outputs
	total := sumNotes(notes)
	switch {
	case total.Eq(need):
	case withChange && total.Gt(need):
		change := new(uint256.Int).Sub(total, need)
		if !change.IsUint64() {
			return nil, rn.fail(ReasonValidation, fmt.Errorf("%w: change %s exceeds 64 bits", zkp.ErrAmountRange, change.Dec()))
		}
		outputs = append(slices.Clone(outputs), change.Uint64())
		rn.result.Change = change.Uint64()
	default:
		return nil, rn.fail(ReasonValidation, fmt.Errorf("%w: inputs %s, outputs plus fee %s", zkp.ErrConservation, total.Dec(), need.Dec()))
	}

	plan := &spendPlan{notes: notes, fee: t.Fee}
	for _, amount := range outputs {
		out, err := notestore.NewNote(uint256.NewInt(amount), nil, r.cfg.Now())
		if err != nil {
			return nil, rn.failFrom(err)
		}
		plan.outputs = append(plan.outputs, out)
	}
	return rn.spend(ctx, plan)
}

// noteSelector chooses source notes for need from the spendable notes
type noteSelector func(candidates []*notestore.Note, need *uint256.Int) ([]*notestore.Note, error)

// acquire loads and reserves the source notes. With no explicit notes pick
// chooses at most MaxInputs of the spendable notes.
func (rn *run) acquire(ids []notestore.NoteID, need *uint256.Int, pick noteSelector) ([]*notestore.Note, error) {
	store := rn.r.notes
	if store.ReadOnly() {
		return nil, rn.fail(ReasonDecryptionMismatch, notestore.ErrReadOnly)
	}

	if len(ids) == 0 {
		selected, err := pick(store.Spendable(), need)
		if err != nil {
			return nil, rn.fail(ReasonValidation, err)
		}
		for _, n := range selected {
			ids = append(ids, n.ID())
		}
	}
	if len(ids) > zkp.MaxInputs {
		return nil, rn.fail(ReasonValidation, fmt.Errorf("%w: %d", ErrNoteCount, len(ids)))
	}
	seen := make(map[notestore.NoteID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, rn.fail(ReasonValidation, fmt.Errorf("%w: duplicate note %s", ErrNoteCount, id.Short()))
		}
		seen[id] = true
	}

	if err := store.Reserve(rn.op, ids); err != nil {
		return nil, rn.fail(ReasonValidation, err)
	}

	notes := make([]*notestore.Note, len(ids))
	for i, id := range ids {
		n, err := store.Get(id)
		if err != nil {
			store.Release(rn.op)
			return nil, rn.fail(ReasonValidation, err)
		}
		if !n.HasLeaf {
			store.Release(rn.op)
			return nil, rn.fail(ReasonValidation, fmt.Errorf("%w: %s", notestore.ErrLeafMissing, id.Short()))
		}
		notes[i] = n
	}
	return notes, nil
}

// selectNotes picks one note covering need if possible, else the two largest
func selectNotes(candidates []*notestore.Note, need *uint256.Int) ([]*notestore.Note, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no spendable notes", ErrInsufficientBalance)
	}
	sorted := append([]*notestore.Note(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount.Lt(sorted[j].Amount) })

	for _, n := range sorted {
		if !n.Amount.Lt(need) {
			return []*notestore.Note{n}, nil
		}
	}

	best := sorted
	if len(sorted) > zkp.MaxInputs {
		best = sorted[len(sorted)-zkp.MaxInputs:]
	}
	if sumNotes(best).Lt(need) {
		return nil, fmt.Errorf("%w: largest notes hold %s, need %s", ErrInsufficientBalance, sumNotes(best).Dec(), need.Dec())
	}
	// Prefer the smallest pair that still covers need
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			pair := []*notestore.Note{sorted[i], sorted[j]}
			if !sumNotes(pair).Lt(need) {
				return pair, nil
			}
		}
	}
	return best, nil
}

// selectExact returns one note or a pair summing exactly to need, preferring
// a single note, or nil
func selectExact(candidates []*notestore.Note, need *uint256.Int) []*notestore.Note {
	for _, n := range candidates {
		if n.Amount.Eq(need) {
			return []*notestore.Note{n}
		}
	}
	for i := 0; i < len(candidates); i++ {
		if !candidates[i].Amount.Lt(need) {
			continue
		}
		rest := new(uint256.Int).Sub(need, candidates[i].Amount)
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].Amount.Eq(rest) {
				return []*notestore.Note{candidates[i], candidates[j]}
			}
		}
	}
	return nil
}

// selectTransferNotes prefers notes that balance the transfer exactly. When
// a change output is possible it falls back to a covering selection.
func selectTransferNotes(candidates []*notestore.Note, need *uint256.Int, withChange bool) ([]*notestore.Note, error) {
	if exact := selectExact(candidates, need); exact != nil {
		return exact, nil
	}
	if !withChange {
		return nil, fmt.Errorf("%w: no one or two notes sum to %s and no output is free for change", zkp.ErrConservation, need.Dec())
	}
	return selectNotes(candidates, need)
}

func sumNotes(notes []*notestore.Note) *uint256.Int {
	total := new(uint256.Int)
	for _, n := range notes {
		total.Add(total, n.Amount)
	}
	return total
}

// spend runs PathResolving through Finalized for reserved notes
func (rn *run) spend(ctx context.Context, plan *spendPlan) (*Result, error) {
	r := rn.r
	balanceBefore := r.notes.Balance().Dec()
	rn.result.Spent = plan.spentIDs()
	rn.result.Created = plan.createdIDs()

	leaves := make([]uint64, len(plan.notes))
	for i, n := range plan.notes {
		leaves[i] = n.LeafIndex
	}

	var (
		paths  []*merkle.Path
		proof  *zkpProof
		err    error
		stales int
	)
	for {
		if err := rn.cancelled(ctx); err != nil {
			return nil, err
		}
		rn.to(StatePathResolving)
		paths, err = r.resolver.ResolveAll(ctx, leaves, r.cfg.Depth)
		if errors.Is(err, merkle.ErrStaleRoot) && stales < r.cfg.MaxStaleRetries {
			stales++
			rn.log.Info().Int("retry", stales).Msg("root moved during path resolution")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, rn.fail(ReasonCancelled, ctx.Err())
			}
			return nil, rn.failFrom(err)
		}
		for i, p := range paths {
			if !p.Verify(plan.notes[i].Commitment) {
				return nil, rn.fail(ReasonFatal, fmt.Errorf("note %s is not at leaf %d", plan.notes[i].Commitment.Short(), p.LeafIndex))
			}
		}
		if err := rn.cancelled(ctx); err != nil {
			return nil, err
		}

		rn.to(StateProving)
		proof, err = rn.prove(ctx, plan, paths)
		if err != nil {
			return nil, err
		}
		if err := rn.cancelled(ctx); err != nil {
			return nil, err
		}

		rn.to(StateSubmitting)
		root, err := r.ledger.Root(ctx)
		if err != nil {
			return nil, rn.fail(ReasonSubmissionError, fmt.Errorf("query root: %w", err))
		}
		if root == paths[0].Root {
			break
		}
		if stales >= r.cfg.MaxStaleRetries {
			return nil, rn.fail(ReasonStaleRoot, fmt.Errorf("%w: root moved %d times", merkle.ErrStaleRoot, stales+1))
		}
		stales++
		rn.log.Info().Int("retry", stales).Str("proved", paths[0].Root.Short()).Str("current", root.Short()).Msg("root moved before broadcast")
	}

	x := &types.Extrinsic{
		Version:     types.ExtrinsicVersion,
		Kind:        rn.kind,
		Operation:   rn.opID,
		Root:        paths[0].Root,
		Nullifiers:  proof.nullifiers,
		Commitments: proof.commitments,
		Payouts:     plan.payouts,
		Fee:         plan.fee,
		Proof:       proof.proof,
	}
	if err := ledger.SignExtrinsic(ctx, r.signer, x); err != nil {
		return nil, rn.fail(ReasonSubmissionError, fmt.Errorf("sign: %w", err))
	}
	hash := x.ComputeHash()
	rn.result.TxHash = hash

	// Outputs are stored before broadcast so their openings survive a crash
	for _, out := range plan.outputs {
		if err := r.notes.Add(ctx, out); err != nil {
			rn.discardOutputs(ctx, plan)
			return nil, rn.failFrom(err)
		}
	}
	if err := r.notes.MarkPendingSpend(ctx, rn.op, plan.spentIDs(), hash); err != nil {
		rn.discardOutputs(ctx, plan)
		return nil, rn.failFrom(err)
	}

	sub, err := rn.broadcast(ctx, x)
	if err != nil {
		rn.revert(ctx, plan)
		rn.reconcileIfDrifted(ctx, balanceBefore)
		return nil, rn.fail(ReasonSubmissionError, err)
	}
	defer sub.Close()

	out := rn.observe(ctx, sub)
	switch {
	case out.finalized != nil:
		f := notestore.Finalization{
			Spent:     plan.spentIDs(),
			Confirmed: make(map[notestore.NoteID]uint64, len(plan.outputs)),
		}
		for _, o := range plan.outputs {
			leaf, ok := out.finalized.LeafOf(o.Commitment)
			if !ok {
				return nil, rn.fail(ReasonFatal, fmt.Errorf("finalized extrinsic %s has no leaf for output %s", hash.Short(), o.Commitment.Short()))
			}
			f.Confirmed[o.ID()] = leaf
		}
		if err := r.notes.ApplyFinalized(context.WithoutCancel(ctx), f); err != nil {
			return nil, rn.fail(ReasonFatal, err)
		}
		rn.to(StateFinalized)
		return rn.finish(), nil

	case out.rejected != nil:
		rn.revert(ctx, plan)
		rn.reconcileIfDrifted(ctx, balanceBefore)
		return nil, rn.fail(ReasonRejected, fmt.Errorf("%s: %s", out.rejected.Kind, out.rejected.Reason))

	default:
		rn.transition(StatePending, ReasonNone)
		return rn.finish(), nil
	}
}

// revert returns PendingSpend inputs to Unspent and drops the outputs
func (rn *run) revert(ctx context.Context, plan *spendPlan) {
	if err := rn.r.notes.RevertPendingSpend(context.WithoutCancel(ctx), plan.spentIDs()...); err != nil {
		rn.log.Error().Err(err).Msg("revert pending spend")
	}
	rn.discardOutputs(ctx, plan)
}

func (rn *run) discardOutputs(ctx context.Context, plan *spendPlan) {
	for _, out := range plan.outputs {
		err := rn.r.notes.Remove(context.WithoutCancel(ctx), out.ID())
		if err != nil && !errors.Is(err, notestore.ErrNoteNotFound) {
			rn.log.Error().Err(err).Str("note", out.Commitment.Short()).Msg("discard output")
		}
	}
}

// zkpProof is a spend proof with the values it commits to
type zkpProof struct {
	proof       types.Proof
	nullifiers  []types.Hash
	commitments []types.Hash
}

func (rn *run) prove(ctx context.Context, plan *spendPlan, paths []*merkle.Path) (*zkpProof, error) {
	inputs := &zkp.SpendInputs{
		Root:       paths[0].Root,
		ExitAmount: plan.exit,
		Fee:        plan.fee,
	}
	for i, n := range plan.notes {
		inputs.Notes = append(inputs.Notes, zkp.SpendNote{
			Amount:     n.Amount.Uint64(),
			Blinding:   n.Blinding,
			Owner:      n.Owner,
			OwnerBound: n.OwnerBound,
			LeafIndex:  n.LeafIndex,
			Siblings:   paths[i].Siblings,
		})
	}
	for _, out := range plan.outputs {
		inputs.Outputs = append(inputs.Outputs, zkp.SpendOutput{Amount: out.Amount.Uint64(), Blinding: out.Blinding})
	}

	commitments, err := inputs.Commitments()
	if err != nil {
		return nil, rn.failFrom(err)
	}

	p, err := rn.r.prover.Prove(ctx, inputs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, rn.fail(ReasonCancelled, err)
		}
		return nil, rn.failFrom(err)
	}
	return &zkpProof{
		proof:       p.Extrinsic(),
		nullifiers:  inputs.Nullifiers(),
		commitments: commitments,
	}, nil
}
