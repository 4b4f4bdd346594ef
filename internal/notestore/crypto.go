package notestore

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keyInfo   = "shielded/notestore/v1"
	blobMagic = "SNS1"

	keyIDSize  = 8
	headerSize = len(blobMagic) + keyIDSize + chacha20poly1305.NonceSizeX
)

// storeKey is the symmetric key of one note blob
type storeKey struct {
	key [chacha20poly1305.KeySize]byte
	id  [keyIDSize]byte
}

func deriveKey(identity, salt []byte) (*storeKey, error) {
	k := &storeKey{}
	r := hkdf.New(sha256.New, identity, salt, []byte(keyInfo))
	if _, err := io.ReadFull(r, k.key[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	sum := blake2s.Sum256(k.key[:])
	copy(k.id[:], sum[:keyIDSize])
	return k, nil
}

// seal encrypts plaintext as magic | key id | nonce | ciphertext
func (k *storeKey) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	header := make([]byte, 0, len(blobMagic)+len(k.id)+len(nonce))
	header = append(append(append(header, blobMagic...), k.id[:]...), nonce...)
	return aead.Seal(header, nonce, plaintext, header), nil
}

// open decrypts a sealed blob. A blob sealed under another key reports
// ErrDecryptionMismatch; everything else that fails is ErrCorruptStore.
func (k *storeKey) open(blob []byte) ([]byte, error) {
	if len(blob) < headerSize || string(blob[:len(blobMagic)]) != blobMagic {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptStore)
	}
	id := blob[len(blobMagic) : len(blobMagic)+keyIDSize]
	if !bytes.Equal(id, k.id[:]) {
		return nil, ErrDecryptionMismatch
	}

	aead, err := chacha20poly1305.NewX(k.key[:])
	if err != nil {
		return nil, err
	}
	header := blob[:headerSize]
	nonce := header[len(blobMagic)+keyIDSize:]
	plaintext, err := aead.Open(nil, nonce, blob[headerSize:], header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	return plaintext, nil
}
