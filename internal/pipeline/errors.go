package pipeline

import (
	"errors"
	"fmt"

	"github.com/ccoin/shielded/internal/merkle"
	"github.com/ccoin/shielded/internal/notestore"
	"github.com/ccoin/shielded/internal/prover"
	"github.com/ccoin/shielded/internal/zkp"
)

// Reason classifies a failed run
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonValidation
	ReasonPathUnavailable
	ReasonProofFailed
	ReasonProofTimeout
	ReasonCancelled
	ReasonSubmissionError
	ReasonRejected
	ReasonStaleRoot
	ReasonDecryptionMismatch
	ReasonFatal
)

var reasonNames = map[Reason]string{
	ReasonNone:               "none",
	ReasonValidation:         "validation",
	ReasonPathUnavailable:    "path_unavailable",
	ReasonProofFailed:        "proof_failed",
	ReasonProofTimeout:       "proof_timeout",
	ReasonCancelled:          "cancelled",
	ReasonSubmissionError:    "submission_error",
	ReasonRejected:           "rejected",
	ReasonStaleRoot:          "stale_root",
	ReasonDecryptionMismatch: "decryption_mismatch",
	ReasonFatal:              "fatal",
}

// String returns the reason name
func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

var reasonMessages = map[Reason]string{
	ReasonValidation:         "the request is invalid",
	ReasonPathUnavailable:    "the ledger could not provide a merkle path",
	ReasonProofFailed:        "proof generation failed",
	ReasonProofTimeout:       "proof generation took too long",
	ReasonCancelled:          "the operation was cancelled",
	ReasonSubmissionError:    "the transaction could not be broadcast",
	ReasonRejected:           "the ledger rejected the transaction",
	ReasonStaleRoot:          "the ledger state kept changing, try again",
	ReasonDecryptionMismatch: "the note store belongs to a different wallet",
	ReasonFatal:              "internal error, the note store may need reconciliation",
}

// Message returns a human-readable description of the reason
func (r Reason) Message() string {
	return reasonMessages[r]
}

// FailedError is the error of a run that ended in Failed
type FailedError struct {
	Op     string
	Reason Reason
	State  State
	Err    error
}

func (e *FailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed in %s: %s", e.Op, e.State, e.Reason.Message())
	}
	return fmt.Sprintf("%s failed in %s: %s: %v", e.Op, e.State, e.Reason.Message(), e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Retryable reports whether resubmitting the same intent may succeed
func (e *FailedError) Retryable() bool {
	switch e.Reason {
	case ReasonPathUnavailable, ReasonProofTimeout, ReasonSubmissionError, ReasonStaleRoot, ReasonCancelled:
		return true
	}
	return false
}

// ReasonOf returns the failure reason of err, or ReasonNone
func ReasonOf(err error) Reason {
	var fe *FailedError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ReasonNone
}

// classify maps component errors onto reasons
func classify(err error) Reason {
	switch {
	case errors.Is(err, zkp.ErrBlindingReuse),
		errors.Is(err, zkp.ErrCommitmentMismatch),
		errors.Is(err, zkp.ErrNullifierMismatch):
		return ReasonFatal
	case errors.Is(err, notestore.ErrDecryptionMismatch), errors.Is(err, notestore.ErrReadOnly):
		return ReasonDecryptionMismatch
	case errors.Is(err, prover.ErrProofCancelled):
		return ReasonCancelled
	case errors.Is(err, prover.ErrProofTimeout):
		return ReasonProofTimeout
	case errors.Is(err, prover.ErrInvalidInputs):
		return ReasonValidation
	case errors.Is(err, prover.ErrProofFailed):
		return ReasonProofFailed
	case errors.Is(err, merkle.ErrStaleRoot):
		return ReasonStaleRoot
	case errors.Is(err, merkle.ErrDepthMismatch):
		return ReasonFatal
	case errors.Is(err, merkle.ErrPathUnavailable), errors.Is(err, merkle.ErrLeafOutOfRange):
		return ReasonPathUnavailable
	}
	return ReasonFatal
}
