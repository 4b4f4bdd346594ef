// Package ledger defines the contracts the shielded pool client needs from the
// public ledger: tree queries, extrinsic submission, status subscriptions,
// spend history and signing.
package ledger

import (
	"context"
	"errors"

	"github.com/ccoin/shielded/pkg/types"
)

// Ledger errors
var (
	ErrNotFound          = errors.New("not found on ledger")
	ErrSubscriptionEnded = errors.New("subscription closed")
	ErrUnavailable       = errors.New("ledger unavailable")
)

// Querier reads commitment tree state
type Querier interface {
	// Root returns the current commitment tree root
	Root(ctx context.Context) (types.Hash, error)

	// TreeDepth returns the depth of the commitment tree
	TreeDepth(ctx context.Context) (int, error)

	// Sibling returns the node at (level, index)
	Sibling(ctx context.Context, level int, index uint64) (types.Hash, error)

	// Balance returns the public balance of an account
	Balance(ctx context.Context, addr types.Address) (uint64, error)
}

// Submitter broadcasts extrinsics and reports their progress
type Submitter interface {
	// Submit broadcasts a signed extrinsic and returns its hash
	Submit(ctx context.Context, x *types.Extrinsic) (types.Hash, error)

	// Watch subscribes to status events of one extrinsic. Call before Submit
	// so no event is missed.
	Watch(ctx context.Context, txHash types.Hash) (*Subscription, error)
}

// SpendRecord is a finalized nullifier reveal
type SpendRecord struct {
	Nullifier types.Hash `json:"nullifier"`
	TxHash    types.Hash `json:"tx_hash"`
	Block     uint64     `json:"block"`
}

// History answers reconciliation queries against finalized state
type History interface {
	// FindNullifier reports whether a nullifier was revealed in a finalized block
	FindNullifier(ctx context.Context, nullifier types.Hash) (*SpendRecord, bool, error)

	// FindCommitment returns the leaf index of a finalized commitment
	FindCommitment(ctx context.Context, commitment types.Hash) (uint64, bool, error)
}

// Client is everything the pipeline needs from a ledger connection
type Client interface {
	Querier
	Submitter
	History
}

// Signer signs extrinsic payloads for a public account
type Signer interface {
	// Account returns the signing account address
	Account() types.Address

	// PublicKey returns the encoded verification key
	PublicKey() []byte

	// Sign signs a payload
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}
