package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// ExtrinsicVersion is the current extrinsic format version
const ExtrinsicVersion = 1

// Extrinsic errors
var (
	ErrUnknownKind     = errors.New("unknown extrinsic kind")
	ErrMissingProof    = errors.New("extrinsic has no proof")
	ErrPayoutMismatch  = errors.New("payouts do not match exit amount")
	ErrUnsignedPayload = errors.New("extrinsic is not signed")
)

// ExtrinsicKind identifies which shielded pool call an extrinsic makes
type ExtrinsicKind uint8

const (
	// KindDeposit moves public funds into a new note
	KindDeposit ExtrinsicKind = iota + 1

	// KindWithdraw spends notes to public addresses
	KindWithdraw

	// KindTransfer spends notes into new notes
	KindTransfer
)

// String returns the call name
func (k ExtrinsicKind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Payout is a public transfer out of the pool
type Payout struct {
	To     Address `json:"to"`
	Amount uint64  `json:"amount"`
}

// Proof is a serialized zero-knowledge proof with its public signals
type Proof struct {
	// Circuit names the proving circuit ("deposit" or "spend")
	Circuit string `json:"circuit"`

	// Data is the backend-specific proof encoding
	Data []byte `json:"data"`

	// PublicSignals are the public inputs in circuit order
	PublicSignals []Hash `json:"public_signals"`
}

// Extrinsic is a signed shielded pool call submitted to the ledger
type Extrinsic struct {
	Version uint32        `json:"version"`
	Kind    ExtrinsicKind `json:"kind"`

	// Operation is a client-chosen id that makes otherwise identical calls distinct
	Operation [16]byte `json:"operation"`

	// Signer is the public account paying fees (and funding deposits)
	Signer    Address `json:"signer"`
	SignerKey []byte  `json:"signer_key"`

	// Root is the commitment tree root the proof was generated against
	Root Hash `json:"root"`

	// Nullifiers of spent notes
	Nullifiers []Hash `json:"nullifiers,omitempty"`

	// Commitments of newly created notes
	Commitments []Hash `json:"commitments,omitempty"`

	// DepositAmount is the public value moved into the pool
	DepositAmount uint64 `json:"deposit_amount,omitempty"`

	// Payouts are the public transfers out of the pool
	Payouts []Payout `json:"payouts,omitempty"`

	Fee   uint64 `json:"fee"`
	Proof Proof  `json:"proof"`

	Signature []byte `json:"signature,omitempty"`
}

// ExitAmount returns the total paid out to public addresses
func (x *Extrinsic) ExitAmount() uint64 {
	var total uint64
	for _, p := range x.Payouts {
		total += p.Amount
	}
	return total
}

// Validate checks the structural shape of the extrinsic
func (x *Extrinsic) Validate() error {
	switch x.Kind {
	case KindDeposit, KindWithdraw, KindTransfer:
	default:
		return ErrUnknownKind
	}
	if len(x.Proof.Data) == 0 {
		return ErrMissingProof
	}
	if len(x.Signature) == 0 {
		return ErrUnsignedPayload
	}
	if x.Kind != KindWithdraw && len(x.Payouts) > 0 {
		return ErrPayoutMismatch
	}
	return nil
}

// ComputeHash calculates the extrinsic hash. The signature is excluded so the
// hash is known before signing.
func (x *Extrinsic) ComputeHash() Hash {
	return sha256.Sum256(x.SigningPayload())
}

// SigningPayload serializes every field except the signature
func (x *Extrinsic) SigningPayload() []byte {
	buf := make([]byte, 0, 512+len(x.Proof.Data))

	buf = binary.BigEndian.AppendUint32(buf, x.Version)
	buf = append(buf, byte(x.Kind))
	buf = append(buf, x.Operation[:]...)
	buf = append(buf, x.Signer[:]...)
	buf = append(buf, x.SignerKey...)
	buf = append(buf, x.Root[:]...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(x.Nullifiers)))
	for _, nf := range x.Nullifiers {
		buf = append(buf, nf[:]...)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(x.Commitments)))
	for _, cm := range x.Commitments {
		buf = append(buf, cm[:]...)
	}

	buf = binary.BigEndian.AppendUint64(buf, x.DepositAmount)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(x.Payouts)))
	for _, p := range x.Payouts {
		buf = append(buf, p.To[:]...)
		buf = binary.BigEndian.AppendUint64(buf, p.Amount)
	}

	buf = binary.BigEndian.AppendUint64(buf, x.Fee)

	buf = append(buf, []byte(x.Proof.Circuit)...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(x.Proof.Data)))
	buf = append(buf, x.Proof.Data...)
	for _, s := range x.Proof.PublicSignals {
		buf = append(buf, s[:]...)
	}

	return buf
}
