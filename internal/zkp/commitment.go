// Package zkp implements the note commitment scheme, the commitment tree and
// the reference gnark circuits of the shielded pool.
//
// Every hash is MiMC over the BN254 scalar field. Inputs are written as
// 32-byte canonical big-endian field elements in a fixed order:
//
//	commitment       = H(amount, blinding)
//	owned commitment = H(amount, owner, blinding)
//	nullifier        = H(blinding)
//	merkle node      = H(left, right)
//
// The circuits in circuits.go hash the same sequences, so native and in-circuit
// values agree bit for bit.
package zkp

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/holiman/uint256"

	"github.com/ccoin/shielded/pkg/types"
)

// AmountBits is the width amounts are range checked to
const AmountBits = 64

// Commitment errors
var (
	ErrBlindingReuse      = errors.New("blinding value reused across notes")
	ErrNonCanonical       = errors.New("value is not a canonical field element")
	ErrAmountRange        = errors.New("amount out of range")
	ErrCommitmentMismatch = errors.New("commitment does not match note opening")
	ErrNullifierMismatch  = errors.New("nullifier does not match blinding")
)

// Opening holds the secret values a commitment binds to
type Opening struct {
	Amount   *uint256.Int
	Blinding types.Hash

	// Owner is only hashed when OwnerBound is set (deposit notes)
	Owner      types.Hash
	OwnerBound bool
}

// HashElements hashes field elements with MiMC
func HashElements(elems ...types.Hash) types.Hash {
	h := mimc.NewMiMC()
	for _, e := range elems {
		var x fr.Element
		x.SetBytes(e[:])
		b := x.Bytes()
		// canonical after reduction, Write cannot fail
		_, _ = h.Write(b[:])
	}
	return types.HashFromBytes(h.Sum(nil))
}

// AmountElement encodes an amount as a field element
func AmountElement(amount *uint256.Int) (types.Hash, error) {
	if amount == nil {
		return types.EmptyHash, fmt.Errorf("%w: nil amount", ErrAmountRange)
	}
	if amount.BitLen() > AmountBits {
		return types.EmptyHash, fmt.Errorf("%w: %s exceeds %d bits", ErrAmountRange, amount.Dec(), AmountBits)
	}
	return types.Hash(amount.Bytes32()), nil
}

// Uint64Element encodes a public integer as a field element
func Uint64Element(v uint64) types.Hash {
	return types.Hash(uint256.NewInt(v).Bytes32())
}

// Commit computes the commitment of an opening
func Commit(o Opening) (types.Hash, error) {
	amount, err := AmountElement(o.Amount)
	if err != nil {
		return types.EmptyHash, err
	}
	if !IsCanonical(o.Blinding) {
		return types.EmptyHash, fmt.Errorf("blinding: %w", ErrNonCanonical)
	}
	if !o.OwnerBound {
		return HashElements(amount, o.Blinding), nil
	}
	if !IsCanonical(o.Owner) {
		return types.EmptyHash, fmt.Errorf("owner: %w", ErrNonCanonical)
	}
	return HashElements(amount, o.Owner, o.Blinding), nil
}

// Nullifier derives the nullifier revealed when a note is spent
func Nullifier(blinding types.Hash) types.Hash {
	return HashElements(blinding)
}

// Verify recomputes commitment and nullifier and compares them
func Verify(o Opening, commitment, nullifier types.Hash) error {
	cm, err := Commit(o)
	if err != nil {
		return err
	}
	if cm != commitment {
		return ErrCommitmentMismatch
	}
	if Nullifier(o.Blinding) != nullifier {
		return ErrNullifierMismatch
	}
	return nil
}

// NewBlinding draws a uniformly random field element
func NewBlinding() (types.Hash, error) {
	var x fr.Element
	if _, err := x.SetRandom(); err != nil {
		return types.EmptyHash, fmt.Errorf("sample blinding: %w", err)
	}
	return types.Hash(x.Bytes()), nil
}

// OwnerScalar maps a public identity to the owner field element of deposit notes
func OwnerScalar(identity []byte) types.Hash {
	sum := sha256.Sum256(identity)
	var x fr.Element
	x.SetBytes(sum[:])
	return types.Hash(x.Bytes())
}

// IsCanonical reports whether h encodes a reduced field element
func IsCanonical(h types.Hash) bool {
	var x fr.Element
	return x.SetBytesCanonical(h[:]) == nil
}
