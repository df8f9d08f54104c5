package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a simulation job. These
// values must match the text values stored in the database
// (jobs.state).
//
// Centralizing these here avoids scattering string literals like
// "queued" or "succeeded" across packages.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Valid returns true if the State is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions may leave s.
// A failed job with remaining attempt budget is requeued by the worker
// before it is ever observed as terminal, so "failed" counts as
// terminal here.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Stage identifies one ordered step of the simulation pipeline.
type Stage string

const (
	StagePrecondition Stage = "precondition"
	StageConditioning Stage = "conditioning"
	StageSimulation   Stage = "simulation"
	StageRender       Stage = "render"
	StagePublish      Stage = "publish"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	StagePrecondition,
	StageConditioning,
	StageSimulation,
	StageRender,
	StagePublish,
}

// Result references the artifacts produced by a successful run.
type Result struct {
	DEMArtifact        string `json:"demArtifact"`
	SimulationArtifact string `json:"simulationArtifact"`
	ReportArtifact     string `json:"reportArtifact"`
	CoverageLayer      string `json:"coverageLayer"`
}

// Job is the unit of work tracked by the status store. It is created
// by the API gateway in state queued, mutated exclusively by the
// worker runtime while executing, and read-only once terminal except
// for an explicit cancellation request.
type Job struct {
	ID              uuid.UUID       `json:"id"`
	Input           SimulationInput `json:"input"`
	State           State           `json:"state"`
	Stage           Stage           `json:"stage,omitempty"`
	Attempt         int             `json:"attempt"`
	MaxAttempts     int             `json:"maxAttempts"`
	CancelRequested bool            `json:"cancelRequested"`
	Result          *Result         `json:"result,omitempty"`
	Error           *FailureDetail  `json:"error,omitempty"`
	SubmittedBy     string          `json:"submittedBy,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NewJob builds a queued job record for the given input.
func NewJob(id uuid.UUID, input SimulationInput, maxAttempts int, submittedBy string, metadata json.RawMessage) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          id,
		Input:       input,
		State:       StateQueued,
		MaxAttempts: maxAttempts,
		SubmittedBy: submittedBy,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CanTransition reports whether moving from the job's current state to
// the target state is legal. Cancellation is allowed from any
// non-terminal state; retry is the only path back to queued.
func (j *Job) CanTransition(to State) bool {
	switch j.State {
	case StateQueued:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StateSucceeded || to == StateFailed || to == StateCancelled || to == StateQueued
	case StateFailed:
		// Explicit retry only.
		return to == StateQueued
	default:
		return false
	}
}

// MarkRunning transitions queued -> running, incrementing the attempt
// counter and setting the first pipeline stage.
func (j *Job) MarkRunning() error {
	if j.State != StateQueued {
		return fmt.Errorf("cannot start job in state %q", j.State)
	}
	j.State = StateRunning
	j.Stage = Stages[0]
	j.Attempt++
	j.Touch()
	return nil
}

// AdvanceStage records stage progress while running. This is a
// status-visibility update, not a state change.
func (j *Job) AdvanceStage(s Stage) error {
	if j.State != StateRunning {
		return fmt.Errorf("cannot advance stage of job in state %q", j.State)
	}
	j.Stage = s
	j.Touch()
	return nil
}

// MarkSucceeded transitions running -> succeeded and attaches the
// result atomically with the state change.
func (j *Job) MarkSucceeded(res *Result) error {
	if j.State != StateRunning {
		return fmt.Errorf("cannot complete job in state %q", j.State)
	}
	j.State = StateSucceeded
	j.Stage = ""
	j.Result = res
	j.Error = nil
	j.Touch()
	return nil
}

// MarkFailed transitions running -> failed with a structured error.
func (j *Job) MarkFailed(detail *FailureDetail) error {
	if j.State != StateRunning {
		return fmt.Errorf("cannot fail job in state %q", j.State)
	}
	j.State = StateFailed
	j.Stage = ""
	j.Error = detail
	j.Result = nil
	j.Touch()
	return nil
}

// MarkRequeued returns a job to the queue for another attempt after a
// retryable failure. Partial results from the aborted attempt are
// discarded; re-execution restarts at the first stage.
func (j *Job) MarkRequeued() error {
	if j.State != StateRunning && j.State != StateFailed {
		return fmt.Errorf("cannot requeue job in state %q", j.State)
	}
	j.State = StateQueued
	j.Stage = ""
	j.Result = nil
	j.Error = nil
	j.Touch()
	return nil
}

// MarkCancelled transitions any non-terminal state -> cancelled.
// Neither result nor error is populated for a cancelled job.
func (j *Job) MarkCancelled() error {
	if j.State.Terminal() {
		return fmt.Errorf("cannot cancel job in state %q", j.State)
	}
	j.State = StateCancelled
	j.Stage = ""
	j.Result = nil
	j.Error = nil
	j.Touch()
	return nil
}

// AttemptsExhausted reports whether the job has used its full attempt
// budget.
func (j *Job) AttemptsExhausted() bool {
	return j.Attempt >= j.MaxAttempts
}

// CheckInvariants verifies the result/error coupling rules: result is
// present iff succeeded, error is present iff failed.
func (j *Job) CheckInvariants() error {
	if (j.Result != nil) != (j.State == StateSucceeded) {
		return fmt.Errorf("result presence does not match state %q", j.State)
	}
	if (j.Error != nil) != (j.State == StateFailed) {
		return fmt.Errorf("error presence does not match state %q", j.State)
	}
	if j.Stage != "" && j.State != StateRunning {
		return fmt.Errorf("stage %q set while state is %q", j.Stage, j.State)
	}
	return nil
}

// Touch bumps UpdatedAt without changing anything else. The sweeper
// uses it to mark a record as seen so it is not re-examined every pass.
func (j *Job) Touch() {
	j.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy of the job so callers can mutate snapshots
// without aliasing store-held records.
func (j *Job) Clone() *Job {
	out := *j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), j.Metadata...)
	}
	return &out
}
