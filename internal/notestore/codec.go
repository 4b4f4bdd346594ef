package notestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/ccoin/shielded/pkg/types"
)

const recordVersion = 1

// noteRecord is the at-rest encoding of a note
type noteRecord struct {
	Amount       *uint256.Int
	Blinding     types.Hash
	Owner        types.Hash
	OwnerBound   bool
	Commitment   types.Hash
	Nullifier    types.Hash
	LeafIndex    uint64
	HasLeaf      bool
	Status       uint8
	CreatedAt    uint64
	PendingSince uint64
	PendingTx    types.Hash
}

type storeRecord struct {
	Version uint
	Notes   []noteRecord
}

func toNanos(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func fromNanos(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n)).UTC()
}

// sortedNotes returns the notes ordered by creation time, then commitment
func sortedNotes(notes map[NoteID]*Note) []*Note {
	out := make([]*Note, 0, len(notes))
	for _, n := range notes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].Commitment[:], out[j].Commitment[:]) < 0
	})
	return out
}

func encodeNotes(notes map[NoteID]*Note) ([]byte, error) {
	rec := storeRecord{Version: recordVersion}
	for _, n := range sortedNotes(notes) {
		rec.Notes = append(rec.Notes, noteRecord{
			Amount:       n.Amount,
			Blinding:     n.Blinding,
			Owner:        n.Owner,
			OwnerBound:   n.OwnerBound,
			Commitment:   n.Commitment,
			Nullifier:    n.Nullifier,
			LeafIndex:    n.LeafIndex,
			HasLeaf:      n.HasLeaf,
			Status:       uint8(n.Status),
			CreatedAt:    toNanos(n.CreatedAt),
			PendingSince: toNanos(n.PendingSince),
			PendingTx:    n.PendingTx,
		})
	}
	return rlp.EncodeToBytes(&rec)
}

func decodeNotes(data []byte) (map[NoteID]*Note, error) {
	var rec storeRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("%w: record version %d", ErrCorruptStore, rec.Version)
	}

	notes := make(map[NoteID]*Note, len(rec.Notes))
	for _, r := range rec.Notes {
		n := &Note{
			Amount:       r.Amount,
			Blinding:     r.Blinding,
			Owner:        r.Owner,
			OwnerBound:   r.OwnerBound,
			Commitment:   r.Commitment,
			Nullifier:    r.Nullifier,
			LeafIndex:    r.LeafIndex,
			HasLeaf:      r.HasLeaf,
			Status:       Status(r.Status),
			CreatedAt:    fromNanos(r.CreatedAt),
			PendingSince: fromNanos(r.PendingSince),
			PendingTx:    r.PendingTx,
		}
		if err := n.Verify(); err != nil {
			return nil, fmt.Errorf("%w: note %s: %v", ErrCorruptStore, n.Commitment.Short(), err)
		}
		notes[n.ID()] = n
	}
	return notes, nil
}

// exportNote is the portable JSON form of a note
type exportNote struct {
	Amount       string      `json:"amount"`
	Blinding     types.Hash  `json:"blinding"`
	Owner        *types.Hash `json:"owner,omitempty"`
	Commitment   types.Hash  `json:"commitment"`
	Nullifier    types.Hash  `json:"nullifier"`
	LeafIndex    *uint64     `json:"leaf_index,omitempty"`
	Status       Status      `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	PendingSince *time.Time  `json:"pending_since,omitempty"`
	PendingTx    *types.Hash `json:"pending_tx,omitempty"`
}

func marshalExport(notes []*Note) ([]byte, error) {
	out := make([]exportNote, 0, len(notes))
	for _, n := range notes {
		e := exportNote{
			Amount:     n.Amount.Dec(),
			Blinding:   n.Blinding,
			Commitment: n.Commitment,
			Nullifier:  n.Nullifier,
			Status:     n.Status,
			CreatedAt:  n.CreatedAt,
		}
		if n.OwnerBound {
			owner := n.Owner
			e.Owner = &owner
		}
		if n.HasLeaf {
			leaf := n.LeafIndex
			e.LeafIndex = &leaf
		}
		if !n.PendingSince.IsZero() {
			since := n.PendingSince
			e.PendingSince = &since
		}
		if !n.PendingTx.IsEmpty() {
			tx := n.PendingTx
			e.PendingTx = &tx
		}
		out = append(out, e)
	}
	return json.MarshalIndent(out, "", "  ")
}

func unmarshalExport(data []byte) ([]*Note, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var in []exportNote
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}

	notes := make([]*Note, 0, len(in))
	for i, e := range in {
		amount, err := uint256.FromDecimal(e.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: note %d amount: %v", ErrInvalidImport, i, err)
		}
		n := &Note{
			Amount:     amount,
			Blinding:   e.Blinding,
			Commitment: e.Commitment,
			Nullifier:  e.Nullifier,
			Status:     e.Status,
			CreatedAt:  e.CreatedAt.UTC(),
		}
		if e.Owner != nil {
			n.Owner = *e.Owner
			n.OwnerBound = true
		}
		if e.LeafIndex != nil {
			n.LeafIndex = *e.LeafIndex
			n.HasLeaf = true
		}
		if e.PendingSince != nil {
			n.PendingSince = e.PendingSince.UTC()
		}
		if e.PendingTx != nil {
			n.PendingTx = *e.PendingTx
		}
		notes = append(notes, n)
	}
	return notes, nil
}
