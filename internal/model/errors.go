package model

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies a job failure for retry decisions and for the
// structured error surfaced to callers.
type FailureKind string

const (
	// FailureInvalidInput marks submission-time or precondition
	// validation failures. Never retried.
	FailureInvalidInput FailureKind = "invalid_input"
	// FailureTransient marks resource contention, timeouts and
	// transient I/O from external tools. Retried up to the attempt
	// budget.
	FailureTransient FailureKind = "transient"
	// FailureStageTimeout marks a stage exceeding its time budget.
	// Treated as transient for retry purposes.
	FailureStageTimeout FailureKind = "stage_timeout"
	// FailureFatal marks unrecoverable conditions such as malformed
	// intermediate artifacts. Never retried.
	FailureFatal FailureKind = "fatal"
	// FailureCancelled marks a user-initiated abort. Recorded
	// distinctly from failures and never retried.
	FailureCancelled FailureKind = "cancelled"
)

// Retryable reports whether a failure of this kind is eligible for
// another attempt.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureStageTimeout
}

// FailureDetail is the stable, structured error stored on a failed job
// and surfaced verbatim to callers. It never carries stack traces.
type FailureDetail struct {
	Kind    FailureKind `json:"kind"`
	Stage   Stage       `json:"stage,omitempty"`
	Message string      `json:"message"`
}

// StageError wraps an error raised inside a pipeline stage with its
// classification. The worker runtime consumes the classification; the
// underlying error is kept for logs only.
type StageError struct {
	Kind  FailureKind
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Detail converts the stage error into the structured form persisted
// on the job record.
func (e *StageError) Detail() *FailureDetail {
	return &FailureDetail{Kind: e.Kind, Stage: e.Stage, Message: e.Err.Error()}
}

// NewTransient wraps err as a retryable stage failure.
func NewTransient(stage Stage, err error) *StageError {
	return &StageError{Kind: FailureTransient, Stage: stage, Err: err}
}

// NewFatal wraps err as a non-retryable stage failure.
func NewFatal(stage Stage, err error) *StageError {
	return &StageError{Kind: FailureFatal, Stage: stage, Err: err}
}

// NewInvalidInput wraps err as a bad-input failure, never retried.
func NewInvalidInput(stage Stage, err error) *StageError {
	return &StageError{Kind: FailureInvalidInput, Stage: stage, Err: err}
}

// ClassifyStageError normalizes an error escaping a pipeline stage.
// Already-classified errors pass through with the stage filled in;
// context deadline expiry becomes a stage timeout; anything else is
// treated as transient so the attempt budget, not a classification
// guess, bounds the damage.
func ClassifyStageError(stage Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage
		}
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StageError{Kind: FailureStageTimeout, Stage: stage, Err: err}
	}
	return &StageError{Kind: FailureTransient, Stage: stage, Err: err}
}

// Sentinel errors shared by the status store and the API gateway.
var (
	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal is returned when an operation requires a
	// non-terminal job.
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
	// ErrNotReady is returned when a result is requested before the
	// job has succeeded.
	ErrNotReady = errors.New("job result not ready")
	// ErrCancelRequested aborts the pipeline at a stage boundary when
	// a cancellation request has been observed.
	ErrCancelRequested = errors.New("cancellation requested")
)
