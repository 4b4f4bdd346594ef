// Package config holds the wallet configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ccoin/shielded/internal/storage"
	"github.com/ccoin/shielded/internal/zkp"
)

// Store backends
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Prover backends. ProverWorker runs the groth16 prover in a child process
// of the wallet binary, so a cancelled proof stops consuming CPU.
const (
	ProverWorker  = "worker"
	ProverGroth16 = "groth16"
	ProverExec    = "exec"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as a string such as "30s"
type Duration time.Duration

// D returns the time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the wallet configuration
type Config struct {
	// Files
	DataDir string `json:"data_dir"`
	KeyFile string `json:"key_file"`
	KeyDir  string `json:"key_dir"`

	// Network
	Gateway    string `json:"gateway"`
	ListenAddr string `json:"listen_addr"`
	TreeDepth  int    `json:"tree_depth"`

	// Note store
	Store     string          `json:"store"`
	Postgres  *storage.Config `json:"postgres,omitempty"`
	StoreSalt string          `json:"store_salt"`

	// Proving
	Prover     string   `json:"prover"`
	ProverPath string   `json:"prover_path,omitempty"`
	ProverArgs []string `json:"prover_args,omitempty"`

	// Timeouts
	RequestTimeout  Duration `json:"request_timeout"`
	PathTimeout     Duration `json:"path_timeout"`
	ProofTimeout    Duration `json:"proof_timeout"`
	FinalityTimeout Duration `json:"finality_timeout"`
	PendingTimeout  Duration `json:"pending_timeout"`
	MaxStaleRetries int      `json:"max_stale_retries"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:         "./shielded-data",
		KeyFile:         "wallet.key",
		KeyDir:          "circuit-keys",
		ListenAddr:      "/ip4/127.0.0.1/tcp/0",
		TreeDepth:       zkp.DefaultTreeDepth,
		Store:           StoreFile,
		StoreSalt:       "shielded-devnet",
		Prover:          ProverWorker,
		RequestTimeout:  Duration(15 * time.Second),
		PathTimeout:     Duration(15 * time.Second),
		ProofTimeout:    Duration(2 * time.Minute),
		FinalityTimeout: Duration(2 * time.Minute),
		PendingTimeout:  Duration(10 * time.Minute),
		MaxStaleRetries: 3,
		LogLevel:        "info",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Unknown fields are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}
	if c.KeyFile == "" {
		return fmt.Errorf("%w: key_file is required", ErrInvalidConfig)
	}
	if c.TreeDepth <= 0 || c.TreeDepth > zkp.MaxTreeDepth {
		return fmt.Errorf("%w: tree_depth must be in 1..%d", ErrInvalidConfig, zkp.MaxTreeDepth)
	}
	if c.StoreSalt == "" {
		return fmt.Errorf("%w: store_salt is required", ErrInvalidConfig)
	}

	switch c.Store {
	case StoreFile:
	case StorePostgres:
		if c.Postgres == nil {
			return fmt.Errorf("%w: store %q needs a postgres section", ErrInvalidConfig, c.Store)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}

	switch c.Prover {
	case ProverWorker, ProverGroth16:
		if c.KeyDir == "" {
			return fmt.Errorf("%w: key_dir is required for the %s prover", ErrInvalidConfig, c.Prover)
		}
	case ProverExec:
		if c.ProverPath == "" {
			return fmt.Errorf("%w: prover_path is required for the exec prover", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown prover %q", ErrInvalidConfig, c.Prover)
	}

	for name, d := range map[string]Duration{
		"request_timeout":  c.RequestTimeout,
		"path_timeout":     c.PathTimeout,
		"proof_timeout":    c.ProofTimeout,
		"finality_timeout": c.FinalityTimeout,
		"pending_timeout":  c.PendingTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	// a shorter pending timeout lets reconciliation revert notes a running
	// operation is still watching
	if c.PendingTimeout <= c.FinalityTimeout {
		return fmt.Errorf("%w: pending_timeout must exceed finality_timeout", ErrInvalidConfig)
	}
	if c.MaxStaleRetries < 0 {
		return fmt.Errorf("%w: max_stale_retries must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Path resolves a file name relative to DataDir
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}
