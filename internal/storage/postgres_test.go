package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/internal/notestore"
	"github.com/ccoin/shielded/pkg/types"
)

func TestConnString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "pw"
	require.Equal(t,
		"host=localhost port=5432 user=shielded password=pw dbname=shielded sslmode=disable pool_max_conns=4",
		cfg.ConnString())
}

// openTestStore connects to the database named by SHIELDED_TEST_PG
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("SHIELDED_TEST_PG")
	if dsn == "" {
		t.Skip("SHIELDED_TEST_PG not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func TestPostgresBlobRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "test/" + t.Name() + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { s.Delete(ctx, key) })

	_, _, err := s.Load(ctx, key)
	require.ErrorIs(t, err, notestore.ErrBlobNotFound)

	v1, err := s.Save(ctx, key, []byte("one"), notestore.NoVersion)
	require.NoError(t, err)
	_, err = s.Save(ctx, key, []byte("lost"), notestore.NoVersion)
	require.ErrorIs(t, err, notestore.ErrVersionConflict)
	v2, err := s.Save(ctx, key, []byte("two"), v1)
	require.NoError(t, err)
	_, err = s.Save(ctx, key, []byte("stale"), v1)
	require.ErrorIs(t, err, notestore.ErrVersionConflict)

	blob, version, err := s.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), blob)
	require.Equal(t, v2, version)

	info, err := s.Stat(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(2), info.Version)
	require.Equal(t, 3, info.Size)

	_, err = s.Save(ctx, key, nil, v2)
	require.ErrorIs(t, err, ErrEmptyBlob)
}

func TestPostgresBackedNoteStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := notestore.Identity{
		Account: types.AddressFromPublicKey([]byte(t.Name() + time.Now().String())),
		Secret:  []byte("secret"),
	}
	t.Cleanup(func() { s.Delete(ctx, notestore.BlobKey(id.Account)) })

	store, err := notestore.Open(ctx, s, id, []byte("salt"), notestore.DefaultConfig())
	require.NoError(t, err)
	n, err := store.Import(ctx, mustExport(t))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second, err := notestore.Open(ctx, s, id, []byte("salt"), notestore.DefaultConfig())
	require.NoError(t, err)
	extra, err := notestore.NewNote(uint256.NewInt(9), nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, second.Add(ctx, extra))

	late, err := notestore.NewNote(uint256.NewInt(3), nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, late), "stale store reloads and retries")

	reopened, err := notestore.Open(ctx, s, id, []byte("salt"), notestore.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, reopened.List(), 3)
}

// mustExport builds an export holding one unconfirmed note
func mustExport(t *testing.T) []byte {
	t.Helper()
	ctx := context.Background()
	src, err := notestore.Open(ctx, notestore.NewMemoryBlobStore(),
		notestore.Identity{Account: types.AddressFromPublicKey([]byte("src")), Secret: []byte("s")}, nil, notestore.DefaultConfig())
	require.NoError(t, err)

	n, err := notestore.NewNote(uint256.NewInt(5), nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, src.Add(ctx, n))

	data, err := src.Export()
	require.NoError(t, err)
	return data
}
