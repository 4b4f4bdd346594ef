package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/pkg/types"
)

func TestKeySignerSignVerify(t *testing.T) {
	s, err := GenerateKeySigner()
	require.NoError(t, err)
	require.Equal(t, types.AddressFromPublicKey(s.PublicKey()), s.Account())

	payload := []byte("shielded extrinsic payload")
	sig, err := s.Sign(context.Background(), payload)
	require.NoError(t, err)

	require.NoError(t, VerifySignature(s.PublicKey(), payload, sig))
	require.ErrorIs(t, VerifySignature(s.PublicKey(), []byte("other payload"), sig), ErrBadSignature)
}

func TestSignExtrinsic(t *testing.T) {
	s, err := GenerateKeySigner()
	require.NoError(t, err)

	x := &types.Extrinsic{Version: types.ExtrinsicVersion, Kind: types.KindDeposit, DepositAmount: 5}
	hashBefore := x.ComputeHash()
	require.NoError(t, SignExtrinsic(context.Background(), s, x))
	require.NotEqual(t, hashBefore, x.ComputeHash(), "signer fields are part of the hash")
	require.NoError(t, VerifyExtrinsic(x))

	x.DepositAmount = 6
	require.ErrorIs(t, VerifyExtrinsic(x), ErrBadSignature)

	other, err := GenerateKeySigner()
	require.NoError(t, err)
	x.Signer = other.Account()
	require.ErrorIs(t, VerifyExtrinsic(x), ErrBadPublicKey)
}

func TestKeySignerSaveLoad(t *testing.T) {
	s, err := GenerateKeySigner()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.hex")
	require.NoError(t, s.Save(path))

	loaded, err := LoadKeySigner(path)
	require.NoError(t, err)
	require.Equal(t, s.Account(), loaded.Account())
	require.Equal(t, s.PublicKey(), loaded.PublicKey())
	require.Equal(t, s.StoreSecret(), loaded.StoreSecret())

	other, err := GenerateKeySigner()
	require.NoError(t, err)
	require.NotEqual(t, s.StoreSecret(), other.StoreSecret())
}
