package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ccoin/shielded/pkg/types"
)

// Event errors
var (
	ErrMalformedEvent = errors.New("malformed status event")
	ErrUnknownStatus  = errors.New("unknown status kind")
)

// StatusKind is the progress of a submitted extrinsic
type StatusKind uint8

const (
	// StatusInBlock means the extrinsic was included in a non-final block
	StatusInBlock StatusKind = iota + 1

	// StatusFinalized means the including block is final
	StatusFinalized

	// StatusDispatchError means the ledger executed and rejected the call
	StatusDispatchError

	// StatusDropped means the extrinsic left the pool without inclusion
	StatusDropped
)

var statusNames = map[StatusKind]string{
	StatusInBlock:       "in_block",
	StatusFinalized:     "finalized",
	StatusDispatchError: "dispatch_error",
	StatusDropped:       "dropped",
}

// String returns the wire name
func (k StatusKind) String() string {
	if s, ok := statusNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (k StatusKind) MarshalText() ([]byte, error) {
	s, ok := statusNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, k)
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *StatusKind) UnmarshalText(text []byte) error {
	for kind, name := range statusNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownStatus, text)
}

// Terminal reports whether no further events follow
func (k StatusKind) Terminal() bool {
	return k == StatusFinalized || k == StatusDispatchError || k == StatusDropped
}

// AppendedLeaf is a commitment appended to the tree by an extrinsic
type AppendedLeaf struct {
	Commitment types.Hash `json:"commitment"`
	LeafIndex  uint64     `json:"leaf_index"`
}

// StatusEvent reports the progress of one extrinsic
type StatusEvent struct {
	Kind   StatusKind `json:"kind"`
	TxHash types.Hash `json:"tx_hash"`

	// Block is the including block height (InBlock, Finalized)
	Block uint64 `json:"block,omitempty"`

	// Appended lists new leaves in extrinsic order (InBlock, Finalized)
	Appended []AppendedLeaf `json:"appended,omitempty"`

	// Nullifiers revealed by the extrinsic
	Nullifiers []types.Hash `json:"nullifiers,omitempty"`

	// Reason describes a dispatch error or drop
	Reason string `json:"reason,omitempty"`
}

// Validate checks the event shape for its kind
func (e *StatusEvent) Validate() error {
	if e.TxHash.IsEmpty() {
		return fmt.Errorf("%w: missing tx hash", ErrMalformedEvent)
	}

	switch e.Kind {
	case StatusInBlock, StatusFinalized:
		if e.Block == 0 {
			return fmt.Errorf("%w: %s without block", ErrMalformedEvent, e.Kind)
		}
		if e.Reason != "" {
			return fmt.Errorf("%w: %s with reason", ErrMalformedEvent, e.Kind)
		}
	case StatusDispatchError, StatusDropped:
		if e.Reason == "" {
			return fmt.Errorf("%w: %s without reason", ErrMalformedEvent, e.Kind)
		}
		if len(e.Appended) > 0 {
			return fmt.Errorf("%w: %s with appended leaves", ErrMalformedEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownStatus, e.Kind)
	}
	return nil
}

// LeafOf returns the leaf index of a commitment appended by this event
func (e *StatusEvent) LeafOf(commitment types.Hash) (uint64, bool) {
	for _, leaf := range e.Appended {
		if leaf.Commitment == commitment {
			return leaf.LeafIndex, true
		}
	}
	return 0, false
}

// EncodeStatusEvent serializes an event for transport
func EncodeStatusEvent(e *StatusEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeStatusEvent parses and validates an event. Unknown fields are rejected.
func DecodeStatusEvent(data []byte) (*StatusEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var e StatusEvent
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedEvent)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Subscription delivers the status events of one extrinsic. The owner must
// Close it; Close is idempotent.
type Subscription struct {
	TxHash types.Hash

	events      chan StatusEvent
	done        chan struct{}
	once        sync.Once
	unsubscribe func()
}

// NewSubscription creates a subscription. unsubscribe runs once on Close.
func NewSubscription(txHash types.Hash, buffer int, unsubscribe func()) *Subscription {
	return &Subscription{
		TxHash:      txHash,
		events:      make(chan StatusEvent, buffer),
		done:        make(chan struct{}),
		unsubscribe: unsubscribe,
	}
}

// Events returns the event channel. It is never closed; select on Done.
func (s *Subscription) Events() <-chan StatusEvent {
	return s.events
}

// Done is closed when the subscription is closed
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Deliver hands an event to the subscriber. It returns false once closed.
func (s *Subscription) Deliver(e StatusEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	}
}

// Close ends the subscription
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}
