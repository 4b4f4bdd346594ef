// Package prover runs zero-knowledge proof generation off the caller's
// goroutine, one job at a time, with cancellation and a time ceiling.
package prover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

// Prover errors
var (
	ErrProofCancelled = errors.New("proof generation cancelled")
	ErrProofTimeout   = errors.New("proof generation timed out")
	ErrProofFailed    = errors.New("proof generation failed")
	ErrInvalidInputs  = errors.New("invalid proof inputs")
)

// Backend produces a proof and the public signals it commits to
type Backend interface {
	Prove(ctx context.Context, inputs zkp.Inputs) (proof []byte, signals []types.Hash, err error)
}

// Proof is a generated proof with its public signals
type Proof struct {
	Circuit       zkp.CircuitID
	Bytes         []byte
	PublicSignals []types.Hash
}

// Extrinsic returns the proof in extrinsic form
func (p *Proof) Extrinsic() types.Proof {
	return types.Proof{
		Circuit:       string(p.Circuit),
		Data:          p.Bytes,
		PublicSignals: p.PublicSignals,
	}
}

// Config holds orchestrator settings
type Config struct {
	// ProofTimeout is the ceiling of one proof job
	ProofTimeout time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		ProofTimeout: 2 * time.Minute,
		Logger:       zerolog.Nop(),
	}
}

// Orchestrator serializes proof jobs over a backend
type Orchestrator struct {
	backend Backend
	slot    chan struct{}
	cfg     Config
	log     zerolog.Logger
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(backend Backend, cfg Config) *Orchestrator {
	return &Orchestrator{
		backend: backend,
		slot:    make(chan struct{}, 1),
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "prover").Logger(),
	}
}

type result struct {
	proof   []byte
	signals []types.Hash
	err     error
}

// Prove generates a proof for inputs. Cancelling ctx returns
// ErrProofCancelled right away, but the job slot stays taken until the
// backend returns. ExecBackend returns at once because its process is
// killed. CircuitBackend cannot stop a running groth16 prover, so the next
// Prove waits for the abandoned job to finish.
func (o *Orchestrator) Prove(ctx context.Context, inputs zkp.Inputs) (*Proof, error) {
	if err := inputs.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInputs, err)
	}

	select {
	case o.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for prover: %v", ErrProofCancelled, ctx.Err())
	}

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if o.cfg.ProofTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, o.cfg.ProofTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() { <-o.slot }()
		proof, signals, err := o.backend.Prove(jobCtx, inputs)
		done <- result{proof: proof, signals: signals, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-jobCtx.Done():
	}
	cancel()

	if ctx.Err() != nil {
		o.log.Info().Str("circuit", string(inputs.Circuit())).Msg("proof cancelled")
		return nil, fmt.Errorf("%w: %v", ErrProofCancelled, ctx.Err())
	}
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && (res.err != nil || res.proof == nil) {
		o.log.Warn().Str("circuit", string(inputs.Circuit())).Dur("timeout", o.cfg.ProofTimeout).Msg("proof timed out")
		return nil, fmt.Errorf("%w after %s", ErrProofTimeout, o.cfg.ProofTimeout)
	}
	if res.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofFailed, res.err)
	}

	want := inputs.PublicSignals()
	if !equalSignals(want, res.signals) {
		return nil, fmt.Errorf("%w: %w", ErrProofFailed, zkp.ErrSignalMismatch)
	}

	o.log.Debug().
		Str("circuit", string(inputs.Circuit())).
		Dur("elapsed", time.Since(start)).
		Int("bytes", len(res.proof)).
		Msg("proof generated")
	return &Proof{Circuit: inputs.Circuit(), Bytes: res.proof, PublicSignals: res.signals}, nil
}

func equalSignals(a, b []types.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CircuitBackend proves in process with the gnark reference circuits. A job
// that has started proving runs to completion even after cancellation; run it
// behind ExecBackend when cancellation has to stop the work.
type CircuitBackend struct {
	Manager *zkp.CircuitManager
}

// Prove implements Backend
func (b *CircuitBackend) Prove(ctx context.Context, inputs zkp.Inputs) ([]byte, []types.Hash, error) {
	proof, err := b.Manager.Prove(ctx, inputs)
	if err != nil {
		return nil, nil, err
	}
	return proof, inputs.PublicSignals(), nil
}
