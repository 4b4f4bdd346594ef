// Package notestore keeps a user's shielded notes encrypted at rest.
//
// The note set is one blob per owning account, sealed with XChaCha20-Poly1305
// under a key derived from the owner identity and a salt. Every mutation is
// applied to a copy, persisted, then swapped in, so a failed write leaves the
// in-memory set untouched.
package notestore

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

// NoteID identifies a note by its commitment
type NoteID = types.Hash

// Status is the lifecycle state of a note
type Status uint8

const (
	// StatusUnconfirmed notes are created locally but not yet in a finalized block
	StatusUnconfirmed Status = iota + 1

	// StatusUnspent notes have a leaf index and can be spent
	StatusUnspent

	// StatusPendingSpend notes are inputs of a broadcast, unfinalized extrinsic
	StatusPendingSpend

	// StatusSpent notes were consumed by a finalized extrinsic
	StatusSpent
)

var statusNames = map[Status]string{
	StatusUnconfirmed:  "unconfirmed",
	StatusUnspent:      "unspent",
	StatusPendingSpend: "pending_spend",
	StatusSpent:        "spent",
}

// String returns the status name
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, s)
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidStatus, text)
}

// Statuses lists every status in lifecycle order
func Statuses() []Status {
	return []Status{StatusUnconfirmed, StatusUnspent, StatusPendingSpend, StatusSpent}
}

// transitions is the complete set of allowed status changes
var transitions = map[Status][]Status{
	StatusUnconfirmed:  {StatusUnspent},
	StatusUnspent:      {StatusPendingSpend},
	StatusPendingSpend: {StatusSpent, StatusUnspent},
	StatusSpent:        nil,
}

// CanTransition reports whether a note may move from one status to another
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Note errors
var (
	ErrInvalidStatus     = errors.New("invalid note status")
	ErrInvalidTransition = errors.New("invalid note status transition")
	ErrLeafAlreadySet    = errors.New("leaf index already set")
	ErrLeafMissing       = errors.New("note has no leaf index")
	ErrZeroAmount        = errors.New("note amount must be positive")
)

// Note is a secret commitment to an amount
type Note struct {
	Amount   *uint256.Int
	Blinding types.Hash

	// Owner is bound into the commitment of deposit notes
	Owner      types.Hash
	OwnerBound bool

	Commitment types.Hash
	Nullifier  types.Hash

	LeafIndex uint64
	HasLeaf   bool

	Status    Status
	CreatedAt time.Time

	// Set while Status is PendingSpend
	PendingSince time.Time
	PendingTx    types.Hash
}

// NewNote creates an Unconfirmed note with a fresh blinding. A nil owner
// creates an unbound note.
func NewNote(amount *uint256.Int, owner *types.Hash, now time.Time) (*Note, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	blinding, err := zkp.NewBlinding()
	if err != nil {
		return nil, err
	}

	n := &Note{
		Amount:    amount.Clone(),
		Blinding:  blinding,
		Status:    StatusUnconfirmed,
		CreatedAt: now.UTC(),
	}
	if owner != nil {
		n.Owner = *owner
		n.OwnerBound = true
	}

	n.Commitment, err = zkp.Commit(n.Opening())
	if err != nil {
		return nil, err
	}
	n.Nullifier = zkp.Nullifier(blinding)
	return n, nil
}

// ID returns the note identifier
func (n *Note) ID() NoteID {
	return n.Commitment
}

// Opening returns the commitment opening
func (n *Note) Opening() zkp.Opening {
	return zkp.Opening{
		Amount:     n.Amount,
		Blinding:   n.Blinding,
		Owner:      n.Owner,
		OwnerBound: n.OwnerBound,
	}
}

// Verify recomputes the derived values and checks status consistency
func (n *Note) Verify() error {
	if n.Amount == nil || n.Amount.IsZero() {
		return ErrZeroAmount
	}
	if err := zkp.Verify(n.Opening(), n.Commitment, n.Nullifier); err != nil {
		return err
	}
	if _, ok := statusNames[n.Status]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, n.Status)
	}
	if n.Status == StatusUnconfirmed && n.HasLeaf {
		return fmt.Errorf("%w: unconfirmed note with leaf", ErrInvalidStatus)
	}
	if n.Status != StatusUnconfirmed && !n.HasLeaf {
		return fmt.Errorf("%w: %s", ErrLeafMissing, n.Status)
	}
	return nil
}

// Spendable reports whether the note can be selected as a transaction input
func (n *Note) Spendable() bool {
	return n.Status == StatusUnspent && n.HasLeaf
}

// Clone returns a deep copy
func (n *Note) Clone() *Note {
	c := *n
	if n.Amount != nil {
		c.Amount = n.Amount.Clone()
	}
	return &c
}

// Equal compares every field
func (n *Note) Equal(o *Note) bool {
	if n.Amount == nil || o.Amount == nil {
		if n.Amount != o.Amount {
			return false
		}
	} else if !n.Amount.Eq(o.Amount) {
		return false
	}
	return n.Blinding == o.Blinding &&
		n.Owner == o.Owner &&
		n.OwnerBound == o.OwnerBound &&
		n.Commitment == o.Commitment &&
		n.Nullifier == o.Nullifier &&
		n.LeafIndex == o.LeafIndex &&
		n.HasLeaf == o.HasLeaf &&
		n.Status == o.Status &&
		n.CreatedAt.Equal(o.CreatedAt) &&
		n.PendingSince.Equal(o.PendingSince) &&
		n.PendingTx == o.PendingTx
}

func (n *Note) transition(to Status) error {
	if !CanTransition(n.Status, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, n.Status, to, n.Commitment.Short())
	}
	n.Status = to
	if to != StatusPendingSpend {
		n.PendingSince = time.Time{}
		n.PendingTx = types.EmptyHash
	}
	return nil
}
