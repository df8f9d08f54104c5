package http

import (
	"encoding/json"
	"time"

	"floodtwin/internal/model"
)

// SubmitRequest is the payload for POST /v1/simulations. The embedded
// input is validated for well-formedness before the job is accepted;
// feasibility is checked again by the pipeline.
type SubmitRequest struct {
	model.SimulationInput
	SubmittedBy string          `json:"submittedBy,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// JobView is the externally visible projection of a job record. The
// result payload is retrieved through the dedicated result endpoint.
type JobView struct {
	ID              string               `json:"id"`
	State           model.State          `json:"state"`
	Stage           model.Stage          `json:"stage,omitempty"`
	Attempt         int                  `json:"attempt"`
	MaxAttempts     int                  `json:"maxAttempts"`
	CancelRequested bool                 `json:"cancelRequested,omitempty"`
	Error           *model.FailureDetail `json:"error,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

func viewOf(j *model.Job) *JobView {
	return &JobView{
		ID:              j.ID.String(),
		State:           j.State,
		Stage:           j.Stage,
		Attempt:         j.Attempt,
		MaxAttempts:     j.MaxAttempts,
		CancelRequested: j.CancelRequested,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

// SubmitResponse is returned for accepted (and rejected) submissions.
type SubmitResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	URL     string `json:"url,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse wraps a job view in the standard envelope.
type StatusResponse struct {
	Success bool     `json:"success"`
	Data    *JobView `json:"data,omitempty"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ResultResponse carries the artifacts of a succeeded job.
type ResultResponse struct {
	Success bool          `json:"success"`
	Data    *model.Result `json:"data,omitempty"`
	Code    string        `json:"code,omitempty"`
	Error   string        `json:"error,omitempty"`
}
