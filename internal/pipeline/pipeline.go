// Package pipeline turns deposit, withdraw and transfer intents into
// confirmed ledger extrinsics while keeping the local note set consistent.
//
// A run walks Building, PathResolving, Proving, Submitting, InBlock and
// Finalized, or stops in Failed with a reason, or in Pending when finality is
// not observed in time. Notes change state in the store only after the ledger
// reports on the extrinsic, except for the PendingSpend mark written right
// before broadcast.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/internal/merkle"
	"github.com/ccoin/shielded/internal/notestore"
	"github.com/ccoin/shielded/internal/prover"
	"github.com/ccoin/shielded/pkg/types"
)

// Config holds pipeline settings
type Config struct {
	// Depth is the commitment tree depth the circuits are built for
	Depth int

	// MaxStaleRetries bounds restarts after the root moved before broadcast
	MaxStaleRetries int

	// FinalityTimeout bounds observation after broadcast
	FinalityTimeout time.Duration

	Logger   zerolog.Logger
	Observer Observer
	Now      func() time.Time
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() Config {
	return Config{
		MaxStaleRetries: 3,
		FinalityTimeout: 2 * time.Minute,
		Logger:          zerolog.Nop(),
		Now:             time.Now,
	}
}

// Deps are the collaborators of a runner
type Deps struct {
	Ledger   ledger.Client
	Signer   ledger.Signer
	Notes    *notestore.Store
	Resolver *merkle.Resolver
	Prover   *prover.Orchestrator
}

// Runner executes pipeline runs for one wallet session
type Runner struct {
	ledger   ledger.Client
	signer   ledger.Signer
	notes    *notestore.Store
	resolver *merkle.Resolver
	prover   *prover.Orchestrator

	cfg Config
	log zerolog.Logger
}

// NewRunner creates a runner
func NewRunner(deps Deps, cfg Config) *Runner {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		ledger:   deps.Ledger,
		signer:   deps.Signer,
		notes:    deps.Notes,
		resolver: deps.Resolver,
		prover:   deps.Prover,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "pipeline").Logger(),
	}
}

// Result describes a run that reached Finalized or Pending
type Result struct {
	Op     string
	Kind   types.ExtrinsicKind
	State  State
	TxHash types.Hash
	Block  uint64

	// Spent are the consumed notes
	Spent []notestore.NoteID

	// Created are the new notes, with leaf indices once finalized
	Created []notestore.NoteID

	// Refund is the amount returned to the signer's public account
	Refund uint64

	// Change is the amount of the extra note a transfer pays back to the wallet
	Change uint64
}

// run tracks one pipeline execution
type run struct {
	r      *Runner
	op     string
	opID   uuid.UUID
	kind   types.ExtrinsicKind
	state  State
	log    zerolog.Logger
	result *Result
}

func (r *Runner) newRun(kind types.ExtrinsicKind) *run {
	id := uuid.New()
	op := id.String()
	return &run{
		r:      r,
		op:     op,
		opID:   id,
		kind:   kind,
		state:  StateIdle,
		log:    r.log.With().Str("op", op).Stringer("kind", kind).Logger(),
		result: &Result{Op: op, Kind: kind},
	}
}

func (rn *run) to(next State) {
	rn.transition(next, ReasonNone)
}

func (rn *run) transition(next State, reason Reason) {
	from := rn.state
	if !CanTransition(from, next) {
		// Programming error: keep the run consistent and make it visible
		rn.log.Error().Stringer("from", from).Stringer("to", next).Msg("invalid pipeline transition")
		next = StateFailed
		reason = ReasonFatal
	}
	rn.state = next

	ev := rn.log.Info()
	if next == StateFailed {
		ev = rn.log.Warn().Stringer("reason", reason)
	}
	ev.Stringer("from", from).Stringer("to", next).Msg("pipeline transition")

	if rn.r.cfg.Observer != nil {
		rn.r.cfg.Observer(Transition{Op: rn.op, From: from, To: next, Reason: reason, At: rn.r.cfg.Now()})
	}
}

// fail moves the run to Failed and returns the run error
func (rn *run) fail(reason Reason, err error) error {
	at := rn.state
	rn.transition(StateFailed, reason)
	return &FailedError{Op: rn.op, Reason: reason, State: at, Err: err}
}

// failFrom classifies err and fails the run
func (rn *run) failFrom(err error) error {
	return rn.fail(classify(err), err)
}

// cancelled fails the run if ctx ended. Only valid before broadcast.
func (rn *run) cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return rn.fail(ReasonCancelled, err)
	}
	return nil
}

// finish records the terminal state in the result
func (rn *run) finish() *Result {
	rn.result.State = rn.state
	return rn.result
}

// broadcast signs x, opens the status subscription and submits. On error
// nothing was accepted by the ledger.
func (rn *run) broadcast(ctx context.Context, x *types.Extrinsic) (*ledger.Subscription, error) {
	hash := x.ComputeHash()
	sub, err := rn.r.ledger.Watch(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	got, err := rn.r.ledger.Submit(ctx, x)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("submit: %w", err)
	}
	if got != hash {
		rn.log.Warn().Str("ledger_hash", got.Short()).Str("local_hash", hash.Short()).Msg("ledger reported a different extrinsic hash")
	}
	rn.log.Info().Str("tx", hash.Short()).Msg("extrinsic broadcast")
	return sub, nil
}

// outcome is what the ledger reported for a broadcast extrinsic
type outcome struct {
	finalized *ledger.StatusEvent
	rejected  *ledger.StatusEvent
	timedOut  bool
}

// observe waits for a terminal status. Caller cancellation is ignored; only
// FinalityTimeout ends the wait early.
func (rn *run) observe(ctx context.Context, sub *ledger.Subscription) outcome {
	obsCtx := context.WithoutCancel(ctx)
	if rn.r.cfg.FinalityTimeout > 0 {
		var cancel context.CancelFunc
		obsCtx, cancel = context.WithTimeout(obsCtx, rn.r.cfg.FinalityTimeout)
		defer cancel()
	}

	for {
		select {
		case <-obsCtx.Done():
			return outcome{timedOut: true}
		case <-sub.Done():
			return outcome{timedOut: true}
		case ev := <-sub.Events():
			if err := ev.Validate(); err != nil || ev.TxHash != sub.TxHash {
				rn.log.Warn().Err(err).Msg("ignoring malformed status event")
				continue
			}
			switch ev.Kind {
			case ledger.StatusInBlock:
				rn.result.Block = ev.Block
				if rn.state == StateSubmitting {
					rn.to(StateInBlock)
				}
			case ledger.StatusFinalized:
				rn.result.Block = ev.Block
				return outcome{finalized: &ev}
			case ledger.StatusDispatchError, ledger.StatusDropped:
				return outcome{rejected: &ev}
			}
		}
	}
}

// reconcileIfDrifted runs reconciliation when the Unspent total no longer
// matches what it was before the run started
func (rn *run) reconcileIfDrifted(ctx context.Context, before string) {
	if rn.r.notes.Balance().Dec() == before {
		return
	}
	rn.log.Warn().Str("before", before).Str("after", rn.r.notes.Balance().Dec()).Msg("balance drift, reconciling")
	if _, err := rn.r.notes.Reconcile(context.WithoutCancel(ctx), rn.r.ledger); err != nil {
		rn.log.Error().Err(err).Msg("reconciliation failed")
	}
}

// Reconcile runs note store reconciliation against the ledger
func (r *Runner) Reconcile(ctx context.Context) (*notestore.ReconcileReport, error) {
	return r.notes.Reconcile(ctx, r.ledger)
}
