package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/blake2s"
)

// AddressPrefix is prepended to every encoded public address
const AddressPrefix = "cz"

const addressVersion = 0x01

// Address errors
var (
	ErrAddressPrefix  = errors.New("wrong address prefix")
	ErrAddressVersion = errors.New("wrong address version")
	ErrAddressLength  = errors.New("wrong address length")
)

// Address represents a 20-byte public ledger address (hash of a public key)
type Address [AddressSize]byte

// EmptyAddress is the zero address
var EmptyAddress = Address{}

// AddressFromPublicKey derives the address of a public key
func AddressFromPublicKey(pub []byte) Address {
	sum := blake2s.Sum256(pub)
	var a Address
	copy(a[:], sum[:AddressSize])
	return a
}

// IsEmpty returns true if the address is all zeros
func (a Address) IsEmpty() bool {
	return a == EmptyAddress
}

// String returns the base58check encoding with the address prefix
func (a Address) String() string {
	return AddressPrefix + base58.CheckEncode(a[:], addressVersion)
}

// MarshalText implements encoding.TextMarshaler
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes and validates an encoded address
func ParseAddress(s string) (Address, error) {
	if !strings.HasPrefix(s, AddressPrefix) {
		return EmptyAddress, fmt.Errorf("%w: %q", ErrAddressPrefix, s)
	}
	payload, ver, err := base58.CheckDecode(s[len(AddressPrefix):])
	if err != nil {
		return EmptyAddress, fmt.Errorf("decode address: %w", err)
	}
	if ver != addressVersion {
		return EmptyAddress, fmt.Errorf("%w: expected %d, got %d", ErrAddressVersion, addressVersion, ver)
	}
	if len(payload) != AddressSize {
		return EmptyAddress, fmt.Errorf("%w: got %d bytes", ErrAddressLength, len(payload))
	}
	var a Address
	copy(a[:], payload)
	return a, nil
}
