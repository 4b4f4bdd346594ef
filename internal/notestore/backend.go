package notestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/sys/unix"
)

// Backend errors
var (
	ErrBlobNotFound    = errors.New("note blob not found")
	ErrVersionConflict = errors.New("note blob changed since it was loaded")
)

// Version identifies one stored revision of a blob
type Version uint64

// NoVersion is the version of a key that has no blob
const NoVersion Version = 0

// BlobStore persists sealed note blobs, one per owning account. Save is a
// compare-and-swap: it writes only while the stored version still equals
// expected and fails with ErrVersionConflict otherwise.
type BlobStore interface {
	Load(ctx context.Context, key string) ([]byte, Version, error)
	Save(ctx context.Context, key string, blob []byte, expected Version) (Version, error)
}

type memoryBlob struct {
	data    []byte
	version Version
}

// MemoryBlobStore keeps blobs in memory
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob

	// FailSave makes the next Save return this error
	FailSave error
}

// NewMemoryBlobStore creates an empty in-memory blob store
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]memoryBlob)}
}

// Load implements BlobStore
func (m *MemoryBlobStore) Load(ctx context.Context, key string) ([]byte, Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blobs[key]
	if !ok {
		return nil, NoVersion, ErrBlobNotFound
	}
	return common.CopyBytes(b.data), b.version, nil
}

// Save implements BlobStore
func (m *MemoryBlobStore) Save(ctx context.Context, key string, blob []byte, expected Version) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSave != nil {
		err := m.FailSave
		m.FailSave = nil
		return NoVersion, err
	}
	if current := m.blobs[key].version; current != expected {
		return current, ErrVersionConflict
	}
	next := expected + 1
	m.blobs[key] = memoryBlob{data: common.CopyBytes(blob), version: next}
	return next, nil
}

// FileBlobStore keeps each blob in its own file under a directory. The
// version of a file is derived from its contents, and an flock on a sibling
// lock file serializes compare-and-swap between processes.
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates the directory if needed
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create note dir: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

func (f *FileBlobStore) path(key string) string {
	return filepath.Join(f.dir, strings.ReplaceAll(key, "/", "_")+".blob")
}

// contentVersion never returns NoVersion for existing data
func contentVersion(data []byte) Version {
	sum := blake2s.Sum256(data)
	return Version(binary.BigEndian.Uint64(sum[:8]) | 1)
}

// lock takes an exclusive flock for key. The returned func releases it.
func (f *FileBlobStore) lock(key string) (func(), error) {
	lf, err := os.OpenFile(f.path(key)+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		lf.Close()
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return func() {
		_ = unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		lf.Close()
	}, nil
}

func (f *FileBlobStore) read(key string) ([]byte, Version, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, NoVersion, ErrBlobNotFound
	}
	if err != nil {
		return nil, NoVersion, err
	}
	return data, contentVersion(data), nil
}

// Load implements BlobStore
func (f *FileBlobStore) Load(ctx context.Context, key string) ([]byte, Version, error) {
	return f.read(key)
}

// Save writes to a temp file and renames it over the old blob while holding
// the key's lock
func (f *FileBlobStore) Save(ctx context.Context, key string, blob []byte, expected Version) (Version, error) {
	unlock, err := f.lock(key)
	if err != nil {
		return NoVersion, err
	}
	defer unlock()

	_, current, err := f.read(key)
	if err != nil && !errors.Is(err, ErrBlobNotFound) {
		return NoVersion, err
	}
	if current != expected {
		return current, ErrVersionConflict
	}

	tmp, err := os.CreateTemp(f.dir, ".notes-*")
	if err != nil {
		return NoVersion, err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return NoVersion, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return NoVersion, err
	}
	if err := tmp.Close(); err != nil {
		return NoVersion, err
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		return NoVersion, err
	}
	return contentVersion(blob), nil
}
