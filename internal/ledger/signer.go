package ledger

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ccoin/shielded/pkg/types"
)

// Signature errors
var (
	ErrBadSignature = errors.New("signature verification failed")
	ErrBadPublicKey = errors.New("invalid public key")
)

// KeySigner signs with a local EdDSA key on the BN254 twisted Edwards curve
type KeySigner struct {
	key     *eddsa.PrivateKey
	account types.Address
}

// GenerateKeySigner creates a signer with a fresh key
func GenerateKeySigner() (*KeySigner, error) {
	key, err := eddsa.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newKeySigner(key), nil
}

func newKeySigner(key *eddsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		account: types.AddressFromPublicKey(key.PublicKey.Bytes()),
	}
}

// LoadKeySigner reads a hex encoded private key file
func LoadKeySigner(path string) (*KeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	raw, err := types.DecodeHex(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}

	key := new(eddsa.PrivateKey)
	if _, err := key.SetBytes(raw); err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return newKeySigner(key), nil
}

// Save writes the private key as hex with owner-only permissions
func (s *KeySigner) Save(path string) error {
	return os.WriteFile(path, []byte(hexutil.Encode(s.key.Bytes())+"\n"), 0o600)
}

// Account implements Signer
func (s *KeySigner) Account() types.Address {
	return s.account
}

// PublicKey implements Signer
func (s *KeySigner) PublicKey() []byte {
	return s.key.PublicKey.Bytes()
}

// StoreSecret derives the note store secret from the private key
func (s *KeySigner) StoreSecret() []byte {
	sum := sha256.Sum256(append([]byte("shielded/store-secret/v1"), s.key.Bytes()...))
	return sum[:]
}

// Sign implements Signer
func (s *KeySigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	return s.key.Sign(digest[:], sha256.New())
}

// VerifySignature checks a KeySigner signature over payload
func VerifySignature(pub, payload, sig []byte) error {
	var pk eddsa.PublicKey
	if _, err := pk.SetBytes(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	digest := sha256.Sum256(payload)
	ok, err := pk.Verify(sig, digest[:], sha256.New())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// SignExtrinsic fills signer fields and signs an extrinsic
func SignExtrinsic(ctx context.Context, s Signer, x *types.Extrinsic) error {
	x.Signer = s.Account()
	x.SignerKey = s.PublicKey()
	sig, err := s.Sign(ctx, x.SigningPayload())
	if err != nil {
		return err
	}
	x.Signature = sig
	return nil
}

// VerifyExtrinsic checks the signature and that the key matches the signer account
func VerifyExtrinsic(x *types.Extrinsic) error {
	if types.AddressFromPublicKey(x.SignerKey) != x.Signer {
		return fmt.Errorf("%w: key does not match signer", ErrBadPublicKey)
	}
	return VerifySignature(x.SignerKey, x.SigningPayload(), x.Signature)
}
