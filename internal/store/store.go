// Package store holds the shared, consistent view of job state read
// by the API gateway and written by the worker runtime. All state
// transitions go through CompareAndSwap so a cancellation request
// racing a completion update cannot be lost: the writer that observes
// a stale state is rejected and must re-read.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"floodtwin/internal/model"
)

// Mutator applies an in-place change to a job snapshot inside a
// compare-and-set. It must only mutate via the model transition
// helpers so the state machine stays legal.
type Mutator func(*model.Job) error

// Store is the status-store contract shared by the Postgres and
// in-memory implementations.
type Store interface {
	// Create inserts a new job record. The id must be unused.
	Create(ctx context.Context, job *model.Job) error

	// Get returns a snapshot of the job, or model.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)

	// Put overwrites the whole record unconditionally; the last
	// writer wins. State transitions must use CompareAndSwap instead,
	// so Put is reserved for writes that leave the state untouched.
	Put(ctx context.Context, job *model.Job) error

	// CompareAndSwap applies mutate to the job only if its current
	// state equals expected. It returns the resulting snapshot and
	// whether the swap happened; swapped=false with a nil error means
	// the caller lost a race and should re-read the returned snapshot
	// to decide whether its intent is superseded.
	CompareAndSwap(ctx context.Context, id uuid.UUID, expected model.State, mutate Mutator) (*model.Job, bool, error)

	// RequestCancel marks the job for cancellation if it is not yet
	// terminal. Returns model.ErrAlreadyTerminal otherwise.
	RequestCancel(ctx context.Context, id uuid.UUID) (*model.Job, error)

	// DeleteTerminalBefore removes jobs in the given terminal state
	// last updated before the cutoff. Used by retention cleanup.
	DeleteTerminalBefore(ctx context.Context, state model.State, cutoff time.Time) (int64, error)

	// Delete removes a single record regardless of state. The
	// gateway uses it to roll back a submission whose enqueue failed.
	Delete(ctx context.Context, id uuid.UUID) error

	// StaleInState lists jobs in the given state last updated before
	// the cutoff. The sweeper uses it to recover jobs whose worker
	// died mid-run and records stranded in the queue with no envelope.
	StaleInState(ctx context.Context, state model.State, cutoff time.Time) ([]uuid.UUID, error)

	// Ping checks backend connectivity for health reporting.
	Ping(ctx context.Context) error
}
