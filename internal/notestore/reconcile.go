package notestore

import (
	"context"
	"fmt"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/pkg/types"
)

// ReconcileReport lists what a reconciliation pass changed
type ReconcileReport struct {
	Spent     []NoteID
	Reverted  []NoteID
	Confirmed []NoteID
}

// Changed reports whether anything was updated
func (r *ReconcileReport) Changed() bool {
	return len(r.Spent)+len(r.Reverted)+len(r.Confirmed) > 0
}

type pendingCheck struct {
	id        NoteID
	status    Status
	nullifier types.Hash
}

type leafCheck struct {
	id         NoteID
	commitment types.Hash
}

// Reconcile brings the local note set in line with finalized ledger state.
// PendingSpend notes older than PendingTimeout become Spent when their
// nullifier is finalized and Unspent otherwise. Unspent notes with a
// finalized nullifier become Spent. Unconfirmed notes whose commitment is on
// the ledger get their leaf index.
func (s *Store) Reconcile(ctx context.Context, history ledger.History) (*ReconcileReport, error) {
	pending, unconfirmed := s.reconcileCandidates()

	spent := make(map[NoteID]bool)
	for _, c := range pending {
		_, found, err := history.FindNullifier(ctx, c.nullifier)
		if err != nil {
			return nil, fmt.Errorf("find nullifier %s: %w", c.nullifier.Short(), err)
		}
		spent[c.id] = found
	}
	leaves := make(map[NoteID]uint64)
	for _, c := range unconfirmed {
		leaf, found, err := history.FindCommitment(ctx, c.commitment)
		if err != nil {
			return nil, fmt.Errorf("find commitment %s: %w", c.commitment.Short(), err)
		}
		if found {
			leaves[c.id] = leaf
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	report := &ReconcileReport{}
	err := s.commit(ctx, func(next map[NoteID]*Note) error {
		*report = ReconcileReport{}
		for _, c := range pending {
			n, ok := next[c.id]
			// Skip notes a concurrent writer already moved
			if !ok || n.Status != c.status {
				continue
			}
			if _, held := s.reserved[c.id]; held && n.Status == StatusUnspent {
				continue
			}
			switch {
			case spent[c.id] && n.Status == StatusUnspent:
				if err := n.transition(StatusPendingSpend); err != nil {
					return err
				}
				if err := n.transition(StatusSpent); err != nil {
					return err
				}
				report.Spent = append(report.Spent, c.id)
			case spent[c.id]:
				if err := n.transition(StatusSpent); err != nil {
					return err
				}
				report.Spent = append(report.Spent, c.id)
			case n.Status == StatusPendingSpend:
				if err := n.transition(StatusUnspent); err != nil {
					return err
				}
				report.Reverted = append(report.Reverted, c.id)
			}
		}
		for id, leaf := range leaves {
			n, ok := next[id]
			if !ok || n.Status != StatusUnconfirmed {
				continue
			}
			if err := confirmLeaf(next, id, leaf); err != nil {
				return err
			}
			report.Confirmed = append(report.Confirmed, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range append(report.Spent, report.Reverted...) {
		delete(s.reserved, id)
	}

	if report.Changed() {
		s.log.Info().
			Int("spent", len(report.Spent)).
			Int("reverted", len(report.Reverted)).
			Int("confirmed", len(report.Confirmed)).
			Msg("notes reconciled")
	}
	return report, nil
}

func (s *Store) reconcileCandidates() ([]pendingCheck, []leafCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	var pending []pendingCheck
	var unconfirmed []leafCheck
	for id, n := range s.notes {
		switch n.Status {
		case StatusPendingSpend:
			if now.Sub(n.PendingSince) >= s.cfg.PendingTimeout {
				pending = append(pending, pendingCheck{id: id, status: n.Status, nullifier: n.Nullifier})
			}
		case StatusUnspent:
			pending = append(pending, pendingCheck{id: id, status: n.Status, nullifier: n.Nullifier})
		case StatusUnconfirmed:
			unconfirmed = append(unconfirmed, leafCheck{id: id, commitment: n.Commitment})
		}
	}
	return pending, unconfirmed
}
