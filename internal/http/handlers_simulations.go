package http

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"floodtwin/internal/broker"
	"floodtwin/internal/config"
	"floodtwin/internal/metrics"
	"floodtwin/internal/model"
	"floodtwin/internal/store"
)

func submitHandler(c *fiber.Ctx) error {
	var reqBody SubmitRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(SubmitResponse{
			Success: false,
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Bad request, malformed JSON",
		})
	}

	if err := reqBody.SimulationInput.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(SubmitResponse{
			Success: false,
			Code:    "INVALID_INPUT",
			Error:   err.Error(),
		})
	}

	cfg := c.Locals("config").(*config.Config)
	st := c.Locals("store").(store.Store)
	br := c.Locals("broker").(broker.Broker)

	// Generate a job ID (uuidv7 preferred)
	id := func() uuid.UUID {
		if id, err := uuid.NewV7(); err == nil {
			return id
		}
		return uuid.New()
	}()

	maxAttempts := cfg.Worker.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	job := model.NewJob(id, reqBody.SimulationInput, maxAttempts, reqBody.SubmittedBy, reqBody.Metadata)
	if err := st.Create(c.Context(), job); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(SubmitResponse{
			Success: false,
			Code:    "JOB_CREATE_FAILED",
			Error:   err.Error(),
		})
	}

	if err := br.Enqueue(c.Context(), broker.Envelope{JobID: id, Attempt: 1}); err != nil {
		// Roll the record back so a failed submission leaves nothing
		// behind in the queue. The client never saw the id.
		_ = st.Delete(c.Context(), id)
		return c.Status(http.StatusInternalServerError).JSON(SubmitResponse{
			Success: false,
			Code:    "JOB_ENQUEUE_FAILED",
			Error:   err.Error(),
		})
	}

	metrics.RecordSubmission()

	if loggerVal := c.Locals("logger"); loggerVal != nil {
		if lg, ok := loggerVal.(interface{ Info(msg string, args ...any) }); ok {
			lg.Info("simulation_submitted",
				"job_id", id.String(),
				"projected_year", reqBody.Scenario.ProjectedYear,
				"confidence_level", reqBody.Scenario.ConfidenceLevel,
			)
		}
	}

	protocol := c.Protocol()
	host := c.Hostname()

	return c.Status(http.StatusAccepted).JSON(SubmitResponse{
		Success: true,
		ID:      id.String(),
		URL:     protocol + "://" + host + "/v1/simulations/" + id.String(),
	})
}

func statusHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(store.Store)

	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(StatusResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid simulation id",
		})
	}

	job, err := st.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(StatusResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "simulation not found",
			})
		}
		return c.Status(http.StatusInternalServerError).JSON(StatusResponse{
			Success: false,
			Code:    "JOB_LOOKUP_FAILED",
			Error:   err.Error(),
		})
	}

	return c.JSON(StatusResponse{Success: true, Data: viewOf(job)})
}

func resultHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(store.Store)

	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ResultResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid simulation id",
		})
	}

	job, err := st.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ResultResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "simulation not found",
			})
		}
		return c.Status(http.StatusInternalServerError).JSON(ResultResponse{
			Success: false,
			Code:    "JOB_LOOKUP_FAILED",
			Error:   err.Error(),
		})
	}

	if job.State != model.StateSucceeded {
		return c.Status(fiber.StatusConflict).JSON(ResultResponse{
			Success: false,
			Code:    "NOT_READY",
			Error:   "simulation has not succeeded; current state is " + string(job.State),
		})
	}

	return c.JSON(ResultResponse{Success: true, Data: job.Result})
}

func cancelHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(store.Store)

	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(StatusResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid simulation id",
		})
	}

	job, err := st.RequestCancel(c.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(StatusResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "simulation not found",
			})
		case errors.Is(err, model.ErrAlreadyTerminal):
			return c.Status(fiber.StatusConflict).JSON(StatusResponse{
				Success: false,
				Code:    "ALREADY_TERMINAL",
				Error:   "simulation already finished",
			})
		default:
			return c.Status(http.StatusInternalServerError).JSON(StatusResponse{
				Success: false,
				Code:    "CANCEL_FAILED",
				Error:   err.Error(),
			})
		}
	}

	// A queued job can be finalized immediately; a running one is
	// cancelled by its worker at the next stage boundary.
	if job.State == model.StateQueued {
		if updated, swapped, err := st.CompareAndSwap(c.Context(), jobID, model.StateQueued, (*model.Job).MarkCancelled); err == nil && swapped {
			metrics.RecordTransition(string(model.StateCancelled))
			job = updated
		}
	}

	return c.Status(http.StatusAccepted).JSON(StatusResponse{Success: true, Data: viewOf(job)})
}
