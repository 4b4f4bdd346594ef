// Package storage implements the PostgreSQL backend for encrypted note blobs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ccoin/shielded/internal/notestore"
)

// Common errors
var (
	ErrDBConnection = errors.New("database connection error")
	ErrEmptyBlob    = errors.New("refusing to store empty blob")
)

// PostgresStore keeps one encrypted note blob per key in table note_blobs.
// It never sees plaintext.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int32  `json:"max_conns"`
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "shielded",
		Password: "",
		Database: "shielded",
		SSLMode:  "disable",
		MaxConns: 4,
	}
}

// ConnString renders the pgx connection string
func (c *Config) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.MaxConns,
	)
}

// NewPostgresStore connects with cfg
func NewPostgresStore(ctx context.Context, cfg *Config) (*PostgresStore, error) {
	return Connect(ctx, cfg.ConnString())
}

// Connect opens a pool from a connection string or URL
func Connect(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS note_blobs (
		key        TEXT PRIMARY KEY,
		blob       BYTEA NOT NULL,
		version    BIGINT NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// EnsureSchema creates the note_blobs table if missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create note_blobs: %w", err)
	}
	return nil
}

// Load implements notestore.BlobStore
func (s *PostgresStore) Load(ctx context.Context, key string) ([]byte, notestore.Version, error) {
	var (
		blob    []byte
		version int64
	)
	err := s.pool.QueryRow(ctx, `SELECT blob, version FROM note_blobs WHERE key = $1`, key).Scan(&blob, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notestore.NoVersion, notestore.ErrBlobNotFound
	}
	if err != nil {
		return nil, notestore.NoVersion, fmt.Errorf("load %s: %w", key, err)
	}
	return blob, notestore.Version(version), nil
}

// Save implements notestore.BlobStore. The row is inserted or replaced in one
// conditional statement, so a writer holding a stale version changes nothing.
func (s *PostgresStore) Save(ctx context.Context, key string, blob []byte, expected notestore.Version) (notestore.Version, error) {
	if len(blob) == 0 {
		return notestore.NoVersion, ErrEmptyBlob
	}

	var (
		query string
		args  []any
	)
	if expected == notestore.NoVersion {
		query = `
			INSERT INTO note_blobs (key, blob) VALUES ($1, $2)
			ON CONFLICT (key) DO NOTHING
			RETURNING version
		`
		args = []any{key, blob}
	} else {
		query = `
			UPDATE note_blobs
			SET blob = $2, version = version + 1, updated_at = now()
			WHERE key = $1 AND version = $3
			RETURNING version
		`
		args = []any{key, blob, int64(expected)}
	}

	var version int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return notestore.NoVersion, fmt.Errorf("save %s: %w", key, notestore.ErrVersionConflict)
	}
	if err != nil {
		return notestore.NoVersion, fmt.Errorf("save %s: %w", key, err)
	}
	return notestore.Version(version), nil
}

// BlobInfo describes a stored blob without its contents
type BlobInfo struct {
	Key       string
	Size      int
	Version   int64
	UpdatedAt time.Time
}

// Stat returns metadata for one blob
func (s *PostgresStore) Stat(ctx context.Context, key string) (*BlobInfo, error) {
	info := BlobInfo{Key: key}
	err := s.pool.QueryRow(ctx,
		`SELECT octet_length(blob), version, updated_at FROM note_blobs WHERE key = $1`, key,
	).Scan(&info.Size, &info.Version, &info.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notestore.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &info, nil
}

// Delete removes a blob. Deleting a missing key is not an error.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM note_blobs WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

var _ notestore.BlobStore = (*PostgresStore)(nil)
