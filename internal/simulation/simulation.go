// Package simulation drives the external hydraulic engine. A run is
// started with a single request and then polled until the engine
// reports a terminal status.
package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"floodtwin/internal/model"
)

// RunRequest describes one engine run.
type RunRequest struct {
	DEMArtifact           string   `json:"demArtifact"`
	BoundaryArtifacts     []string `json:"boundaryArtifacts,omitempty"`
	PolygonWKT            string   `json:"polygonWkt"`
	ResolutionMetres      float64  `json:"resolutionMetres"`
	EndTimeSeconds        int      `json:"endTimeSeconds"`
	OutputTimestepSeconds int      `json:"outputTimestepSeconds"`
	GPUDevice             int      `json:"gpuDevice"`
}

// RunResult references the water-depth output of a completed run.
type RunResult struct {
	OutputArtifact string `json:"outputArtifact"`
}

type startResponse struct {
	RunID string `json:"runId"`
}

type statusResponse struct {
	Status         string `json:"status"`
	OutputArtifact string `json:"outputArtifact,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Client calls the engine's control API over HTTP.
type Client struct {
	baseURL      string
	http         *http.Client
	pollInterval time.Duration
	gpuDevice    int
}

func NewClient(baseURL string, pollInterval time.Duration, gpuDevice int) *Client {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: pollInterval,
		gpuDevice:    gpuDevice,
	}
}

// Run starts an engine run and polls until it finishes. The caller's
// context bounds the whole run; a deadline hit while polling surfaces
// as a context error so the stage is classified as timed out rather
// than failed.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.GPUDevice == 0 {
		req.GPUDevice = c.gpuDevice
	}

	runID, err := c.start(ctx, req)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		st, err := c.status(ctx, runID)
		if err != nil {
			return nil, err
		}

		switch st.Status {
		case "succeeded":
			if st.OutputArtifact == "" {
				return nil, model.NewFatal(model.StageSimulation, fmt.Errorf("engine run %s finished without output", runID))
			}
			return &RunResult{OutputArtifact: st.OutputArtifact}, nil
		case "failed":
			return nil, model.NewTransient(model.StageSimulation, fmt.Errorf("engine run %s failed: %s", runID, st.Message))
		case "rejected":
			return nil, model.NewFatal(model.StageSimulation, fmt.Errorf("engine rejected run %s: %s", runID, st.Message))
		default:
			// queued or running, keep polling
		}
	}
}

func (c *Client) start(ctx context.Context, req RunRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", model.NewFatal(model.StageSimulation, fmt.Errorf("encode run request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		return "", model.NewFatal(model.StageSimulation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", model.NewTransient(model.StageSimulation, fmt.Errorf("engine: %w", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", model.NewTransient(model.StageSimulation, fmt.Errorf("read engine response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out startResponse
		if err := json.Unmarshal(payload, &out); err != nil || out.RunID == "" {
			return "", model.NewFatal(model.StageSimulation, fmt.Errorf("decode engine start response: %w", err))
		}
		return out.RunID, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", model.NewFatal(model.StageSimulation, fmt.Errorf("engine rejected run: status %d: %s", resp.StatusCode, string(payload)))
	default:
		return "", model.NewTransient(model.StageSimulation, fmt.Errorf("engine returned status %d", resp.StatusCode))
	}
}

func (c *Client) status(ctx context.Context, runID string) (*statusResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+runID, nil)
	if err != nil {
		return nil, model.NewFatal(model.StageSimulation, err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, model.NewTransient(model.StageSimulation, fmt.Errorf("engine: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewTransient(model.StageSimulation, fmt.Errorf("engine status returned %d", resp.StatusCode))
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, model.NewTransient(model.StageSimulation, fmt.Errorf("decode engine status: %w", err))
	}
	return &out, nil
}
