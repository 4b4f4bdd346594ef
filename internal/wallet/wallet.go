// Package wallet composes one user's session: signer, encrypted note store,
// path resolver, prover and pipeline runner over a ledger connection.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/ccoin/shielded/internal/config"
	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/internal/merkle"
	"github.com/ccoin/shielded/internal/notestore"
	"github.com/ccoin/shielded/internal/pipeline"
	"github.com/ccoin/shielded/internal/prover"
	"github.com/ccoin/shielded/internal/storage"
	"github.com/ccoin/shielded/internal/zkp"
)

// Options are the collaborators of a session
type Options struct {
	Config  *config.Config
	Ledger  ledger.Client
	Signer  *ledger.KeySigner
	Backend notestore.BlobStore
	Prover  prover.Backend

	Logger   zerolog.Logger
	Observer pipeline.Observer
}

// Session is an open wallet
type Session struct {
	Signer *ledger.KeySigner
	Notes  *notestore.Store
	Runner *pipeline.Runner
	Ledger ledger.Client

	log zerolog.Logger
}

// Open checks the ledger tree depth, decrypts the note store and reconciles
// it against the ledger. A depth mismatch fails with merkle.ErrDepthMismatch.
// A store sealed for another identity yields a usable session with no notes
// and a read-only store, together with notestore.ErrDecryptionMismatch.
func Open(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger.With().Str("account", opts.Signer.Account().String()).Logger()

	resolver := merkle.NewResolver(opts.Ledger, merkle.Config{
		PathTimeout: cfg.PathTimeout.D(),
		Logger:      log,
	})
	if err := resolver.CheckDepth(ctx, cfg.TreeDepth); err != nil {
		return nil, err
	}

	storeCfg := notestore.DefaultConfig()
	storeCfg.PendingTimeout = cfg.PendingTimeout.D()
	storeCfg.Logger = log
	notes, err := notestore.Open(ctx, opts.Backend,
		notestore.Identity{Account: opts.Signer.Account(), Secret: opts.Signer.StoreSecret()},
		[]byte(cfg.StoreSalt), storeCfg)
	mismatch := errors.Is(err, notestore.ErrDecryptionMismatch)
	if err != nil && !mismatch {
		return nil, err
	}

	runCfg := pipeline.DefaultConfig()
	runCfg.Depth = cfg.TreeDepth
	runCfg.MaxStaleRetries = cfg.MaxStaleRetries
	runCfg.FinalityTimeout = cfg.FinalityTimeout.D()
	runCfg.Logger = log
	runCfg.Observer = opts.Observer

	runner := pipeline.NewRunner(pipeline.Deps{
		Ledger:   opts.Ledger,
		Signer:   opts.Signer,
		Notes:    notes,
		Resolver: resolver,
		Prover: prover.NewOrchestrator(opts.Prover, prover.Config{
			ProofTimeout: cfg.ProofTimeout.D(),
			Logger:       log,
		}),
	}, runCfg)

	s := &Session{
		Signer: opts.Signer,
		Notes:  notes,
		Runner: runner,
		Ledger: opts.Ledger,
		log:    log,
	}

	if mismatch {
		log.Warn().Msg("note store belongs to another wallet, no notes available")
		return s, notestore.ErrDecryptionMismatch
	}

	report, err := runner.Reconcile(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("startup reconciliation failed")
	} else if report.Changed() {
		log.Info().Int("spent", len(report.Spent)).Int("reverted", len(report.Reverted)).
			Int("confirmed", len(report.Confirmed)).Msg("startup reconciliation")
	}
	return s, nil
}

// LoadOrCreateSigner reads the key at path, creating it when missing
func LoadOrCreateSigner(path string) (*ledger.KeySigner, bool, error) {
	signer, err := ledger.LoadKeySigner(path)
	if err == nil {
		return signer, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	signer, err = ledger.GenerateKeySigner()
	if err != nil {
		return nil, false, err
	}
	if err := signer.Save(path); err != nil {
		return nil, false, fmt.Errorf("save key: %w", err)
	}
	return signer, true, nil
}

// OpenBackend opens the configured note blob backend. The returned func
// releases it.
func OpenBackend(ctx context.Context, cfg *config.Config) (notestore.BlobStore, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		pg, err := storage.NewPostgresStore(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		fs, err := notestore.NewFileBlobStore(cfg.Path("notes"))
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}

// WorkerCommand is the subcommand a wallet binary answers worker proof jobs on
const WorkerCommand = "prove-worker"

// NewProverBackend builds the configured proof backend. The worker backend
// re-executes ProverPath, or the running binary when empty, with
// WorkerCommand followed by ProverArgs. The groth16 backend compiles the
// circuits and loads or creates their keys under KeyDir.
func NewProverBackend(cfg *config.Config) (prover.Backend, error) {
	switch cfg.Prover {
	case config.ProverWorker:
		path := cfg.ProverPath
		if path == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locate prover worker: %w", err)
			}
			path = exe
		}
		args := append([]string{WorkerCommand}, cfg.ProverArgs...)
		return &prover.ExecBackend{Path: path, Args: args}, nil
	case config.ProverExec:
		return &prover.ExecBackend{Path: cfg.ProverPath, Args: cfg.ProverArgs}, nil
	default:
		cm := zkp.NewCircuitManager(cfg.TreeDepth)
		if err := cm.CompileWithKeys(cfg.Path(cfg.KeyDir)); err != nil {
			return nil, fmt.Errorf("prepare circuits: %w", err)
		}
		return &prover.CircuitBackend{Manager: cm}, nil
	}
}
