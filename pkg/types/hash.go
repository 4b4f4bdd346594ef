// Package types defines core data structures for the shielded pool.
// This includes field-sized hashes, public addresses and ledger extrinsics.
package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Constants for the shielded pool protocol
const (
	// HashSize is the size of a hash in bytes (one BN254 scalar field element)
	HashSize = 32

	// AddressSize is the size of a public address in bytes
	AddressSize = 20
)

// ErrInvalidHashLength is returned when decoding a hash of the wrong size
var ErrInvalidHashLength = errors.New("invalid hash length")

// Hash represents a 32-byte value: a digest or a canonical field element
type Hash [HashSize]byte

// EmptyHash is the zero hash
var EmptyHash = Hash{}

// IsEmpty returns true if the hash is empty (all zeros)
func (h Hash) IsEmpty() bool {
	return h == EmptyHash
}

// Bytes returns the hash as a byte slice
func (h Hash) Bytes() []byte {
	return h[:]
}

// String returns the 0x-prefixed hex representation of the hash
func (h Hash) String() string {
	return hexutil.Encode(h[:])
}

// Short returns an abbreviated form for log output
func (h Hash) Short() string {
	s := h.String()
	return s[:10]
}

// MarshalText implements encoding.TextMarshaler
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HexToHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashFromBytes creates a Hash from a byte slice
func HashFromBytes(b []byte) Hash {
	var h Hash
	if len(b) >= HashSize {
		copy(h[:], b[:HashSize])
	} else {
		copy(h[HashSize-len(b):], b)
	}
	return h
}

// HexToHash parses a hex string (with or without 0x) into a Hash
func HexToHash(s string) (Hash, error) {
	b, err := DecodeHex(s)
	if err != nil {
		return EmptyHash, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != HashSize {
		return EmptyHash, fmt.Errorf("%w: got %d bytes", ErrInvalidHashLength, len(b))
	}
	return HashFromBytes(b), nil
}

// DecodeHex decodes hex with an optional 0x prefix
func DecodeHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}
