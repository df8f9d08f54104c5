// Package dem wraps the external DEM-conditioning service that
// prepares a hydrologically conditioned terrain model and the
// boundary-condition inputs (rainfall, tide and sea-level rise, river
// discharge) for a simulation run.
package dem

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

// ConditionRequest describes the area and scenario to prepare inputs for.
type ConditionRequest struct {
	PolygonWKT              string  `json:"polygonWkt"`
	ResolutionMetres        float64 `json:"resolutionMetres,omitempty"`
	ProjectedYear           int     `json:"projectedYear,omitempty"`
	AddVerticalLandMovement bool    `json:"addVerticalLandMovement,omitempty"`
	ConfidenceLevel         string  `json:"confidenceLevel,omitempty"`
}

// ConditionResult references the artifacts produced by the service.
type ConditionResult struct {
	DEMArtifact       string   `json:"demArtifact"`
	BoundaryArtifacts []string `json:"boundaryArtifacts,omitempty"`
}

// serviceError is the structured failure body returned by the DEM
// service on non-2xx responses.
type serviceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client calls the DEM service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Condition requests conditioned terrain and boundary inputs for the
// area. Service-side validation failures (4xx) are fatal; transport
// errors and 5xx responses are transient and eligible for retry on a
// later attempt.
func (c *Client) Condition(ctx context.Context, req ConditionRequest) (*ConditionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, model.NewFatal(model.StageConditioning, fmt.Errorf("encode condition request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/condition", bytes.NewReader(body))
	if err != nil {
		return nil, model.NewFatal(model.StageConditioning, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, model.NewTransient(model.StageConditioning, fmt.Errorf("dem service: %w", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewTransient(model.StageConditioning, fmt.Errorf("read dem response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out ConditionResult
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, model.NewFatal(model.StageConditioning, fmt.Errorf("decode dem response: %w", err))
		}
		if out.DEMArtifact == "" {
			return nil, model.NewFatal(model.StageConditioning, fmt.Errorf("dem service returned no artifact"))
		}
		return &out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, model.NewFatal(model.StageConditioning, decodeServiceError(resp.StatusCode, payload))
	default:
		return nil, model.NewTransient(model.StageConditioning, decodeServiceError(resp.StatusCode, payload))
	}
}

func decodeServiceError(status int, payload []byte) error {
	var se serviceError
	if err := json.Unmarshal(payload, &se); err == nil && se.Message != "" {
		return fmt.Errorf("dem service %d: %s", status, se.Message)
	}
	return fmt.Errorf("dem service returned status %d", status)
}
