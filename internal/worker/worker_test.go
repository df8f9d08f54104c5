package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"floodtwin/internal/broker"
	"floodtwin/internal/config"
	"floodtwin/internal/dem"
	"floodtwin/internal/model"
	"floodtwin/internal/pipeline"
	"floodtwin/internal/simulation"
	"floodtwin/internal/store"
)

type scriptedEngine struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	started chan struct{}
	release chan struct{}
}

func (e *scriptedEngine) Run(ctx context.Context, _ simulation.RunRequest) (*simulation.RunResult, error) {
	e.mu.Lock()
	call := e.calls
	e.calls++
	started := e.started
	release := e.release
	e.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if call < len(e.errs) && e.errs[call] != nil {
		return nil, e.errs[call]
	}
	return &simulation.RunResult{OutputArtifact: "depth.tif"}, nil
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type okDEM struct{}

func (okDEM) Condition(_ context.Context, _ dem.ConditionRequest) (*dem.ConditionResult, error) {
	return &dem.ConditionResult{DEMArtifact: "dem.tif"}, nil
}

type countingRenderer struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRenderer) Render(_ context.Context, jobID string, _ time.Duration) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return "reports/" + jobID + ".png", nil
}

func (r *countingRenderer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testConfig() *config.Config {
	return &config.Config{
		Broker: config.BrokerConfig{DequeueTimeoutMs: 20, SweepIntervalMs: 20},
		Worker: config.WorkerConfig{PoolSize: 2, MaxAttempts: 3},
		Pipeline: config.PipelineConfig{
			MaxAreaKm2:                   2500,
			DefaultResolutionMetres:      30,
			DefaultEndTimeSeconds:        86400,
			DefaultOutputTimestepSeconds: 3600,
			DefaultProjectedYear:         2050,
			DefaultConfidenceLevel:       "medium",
		},
	}
}

type harness struct {
	cfg      *config.Config
	store    *store.MemoryStore
	broker   *broker.MemoryBroker
	engine   *scriptedEngine
	renderer *countingRenderer
	cancel   context.CancelFunc
}

func startHarness(t *testing.T, engine *scriptedEngine) *harness {
	t.Helper()

	cfg := testConfig()
	st := store.NewMemory()
	br := broker.NewMemoryBroker(time.Minute)
	renderer := &countingRenderer{}

	pl := pipeline.New(cfg.Pipeline, okDEM{}, engine, renderer, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := NewPool(cfg, st, br, pl, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Start(ctx)
	t.Cleanup(cancel)

	return &harness{cfg: cfg, store: st, broker: br, engine: engine, renderer: renderer, cancel: cancel}
}

func (h *harness) submit(t *testing.T) uuid.UUID {
	t.Helper()
	job := model.NewJob(uuid.New(), model.SimulationInput{
		Area: model.BoundingBox{Lat1: 50.7, Lng1: -1.9, Lat2: 50.8, Lng2: -1.8},
	}, h.cfg.Worker.MaxAttempts, "", nil)
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.broker.Enqueue(context.Background(), broker.Envelope{JobID: job.ID, Attempt: 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job.ID
}

func (h *harness) waitTerminal(t *testing.T, id uuid.UUID) *model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state in time")
	return nil
}

func TestJobSucceedsOnFirstAttempt(t *testing.T) {
	h := startHarness(t, &scriptedEngine{})
	id := h.submit(t)

	job := h.waitTerminal(t, id)
	if job.State != model.StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%+v)", job.State, job.Error)
	}
	if job.Attempt != 1 {
		t.Fatalf("expected exactly one attempt, got %d", job.Attempt)
	}
	if job.Result == nil || job.Result.SimulationArtifact != "depth.tif" {
		t.Fatalf("missing result: %+v", job.Result)
	}
	if err := job.CheckInvariants(); err != nil {
		t.Fatalf("terminal job violates invariants: %v", err)
	}
}

func TestTransientFailuresRetriedThenSucceed(t *testing.T) {
	engine := &scriptedEngine{errs: []error{
		model.NewTransient(model.StageSimulation, errors.New("gpu busy")),
		model.NewTransient(model.StageSimulation, errors.New("gpu busy")),
	}}
	h := startHarness(t, engine)
	id := h.submit(t)

	job := h.waitTerminal(t, id)
	if job.State != model.StateSucceeded {
		t.Fatalf("expected eventual success, got %s (%+v)", job.State, job.Error)
	}
	if job.Attempt != 3 {
		t.Fatalf("expected success on attempt 3, got %d", job.Attempt)
	}
	if engine.callCount() != 3 {
		t.Fatalf("expected 3 engine runs, got %d", engine.callCount())
	}
}

func TestAttemptBudgetExhaustion(t *testing.T) {
	engine := &scriptedEngine{errs: []error{
		model.NewTransient(model.StageSimulation, errors.New("gpu busy")),
		model.NewTransient(model.StageSimulation, errors.New("gpu busy")),
		model.NewTransient(model.StageSimulation, errors.New("gpu busy")),
		model.NewTransient(model.StageSimulation, errors.New("gpu busy")),
	}}
	h := startHarness(t, engine)
	id := h.submit(t)

	job := h.waitTerminal(t, id)
	if job.State != model.StateFailed {
		t.Fatalf("expected failed after budget exhaustion, got %s", job.State)
	}
	if job.Attempt != 3 {
		t.Fatalf("expected exactly maxAttempts executions, got %d", job.Attempt)
	}
	if engine.callCount() != 3 {
		t.Fatalf("expected 3 engine runs, got %d", engine.callCount())
	}
	if job.Error == nil || job.Error.Kind != model.FailureTransient || job.Error.Stage != model.StageSimulation {
		t.Fatalf("expected transient failure at simulation, got %+v", job.Error)
	}
}

func TestFatalFailureNotRetried(t *testing.T) {
	engine := &scriptedEngine{errs: []error{
		model.NewFatal(model.StageSimulation, errors.New("malformed dem")),
	}}
	h := startHarness(t, engine)
	id := h.submit(t)

	job := h.waitTerminal(t, id)
	if job.State != model.StateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.Attempt != 1 {
		t.Fatalf("fatal failure must not be retried, got attempt %d", job.Attempt)
	}
	if job.Error == nil || job.Error.Kind != model.FailureFatal {
		t.Fatalf("expected fatal detail, got %+v", job.Error)
	}
}

func TestInvalidInputFailsAtPrecondition(t *testing.T) {
	h := startHarness(t, &scriptedEngine{})

	// Feasible at submission-time validation, too large at precondition.
	job := model.NewJob(uuid.New(), model.SimulationInput{
		Area: model.BoundingBox{Lat1: 40, Lng1: -5, Lat2: 50, Lng2: 5},
	}, h.cfg.Worker.MaxAttempts, "", nil)
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = h.broker.Enqueue(context.Background(), broker.Envelope{JobID: job.ID, Attempt: 1})

	got := h.waitTerminal(t, job.ID)
	if got.State != model.StateFailed || got.Attempt != 1 {
		t.Fatalf("expected single failed attempt, got %s attempt %d", got.State, got.Attempt)
	}
	if got.Error == nil || got.Error.Kind != model.FailureInvalidInput || got.Error.Stage != model.StagePrecondition {
		t.Fatalf("expected invalid_input at precondition, got %+v", got.Error)
	}
	if h.engine.callCount() != 0 {
		t.Fatal("infeasible job must not reach the engine")
	}
}

func TestCancelDuringSimulation(t *testing.T) {
	engine := &scriptedEngine{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	h := startHarness(t, engine)
	id := h.submit(t)

	// Wait for the simulation stage to start, then request cancellation
	// and let the stage finish.
	select {
	case <-engine.started:
	case <-time.After(5 * time.Second):
		t.Fatal("simulation never started")
	}
	if _, err := h.store.RequestCancel(context.Background(), id); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	close(engine.release)

	job := h.waitTerminal(t, id)
	if job.State != model.StateCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}
	if job.Result != nil || job.Error != nil {
		t.Fatalf("cancelled job must carry neither result nor error: %+v", job)
	}
	// Cancellation lands at the next stage boundary, before rendering.
	if h.renderer.callCount() != 0 {
		t.Fatal("render stage ran after cancellation was requested")
	}
}

func TestCancelledBeforeExecutionNeverRuns(t *testing.T) {
	engine := &scriptedEngine{}
	h := startHarness(t, engine)

	job := model.NewJob(uuid.New(), model.SimulationInput{
		Area: model.BoundingBox{Lat1: 50.7, Lng1: -1.9, Lat2: 50.8, Lng2: -1.8},
	}, 3, "", nil)
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.store.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	_ = h.broker.Enqueue(context.Background(), broker.Envelope{JobID: job.ID, Attempt: 1})

	got := h.waitTerminal(t, job.ID)
	if got.State != model.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
	if got.Attempt != 0 || engine.callCount() != 0 {
		t.Fatal("cancelled-before-start job must never execute")
	}
}

func TestDuplicateDeliveryExecutesOnce(t *testing.T) {
	engine := &scriptedEngine{}
	h := startHarness(t, engine)
	id := h.submit(t)

	// A second delivery of the same envelope, as after a visibility
	// timeout glitch.
	_ = h.broker.Enqueue(context.Background(), broker.Envelope{JobID: id, Attempt: 1})

	job := h.waitTerminal(t, id)
	if job.State != model.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", job.State)
	}

	// Allow the duplicate to drain.
	time.Sleep(100 * time.Millisecond)
	if engine.callCount() != 1 {
		t.Fatalf("duplicate delivery triggered %d executions", engine.callCount())
	}
	if job.Attempt != 1 {
		t.Fatalf("expected a single attempt, got %d", job.Attempt)
	}
}

func TestAbandonedRunRequeuedWithFreshAttempt(t *testing.T) {
	cfg := testConfig()
	// Shrink every stage budget so the whole-pipeline cutoff is tiny.
	cfg.Pipeline.PreconditionTimeoutMs = 1
	cfg.Pipeline.ConditioningTimeoutMs = 1
	cfg.Pipeline.SimulationTimeoutMs = 1
	cfg.Pipeline.RenderTimeoutMs = 1
	cfg.Pipeline.PublishTimeoutMs = 1
	cfg.Broker.SweepIntervalMs = 1

	st := store.NewMemory()
	br := broker.NewMemoryBroker(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := NewPool(cfg, st, br, nil, logger)

	job := model.NewJob(uuid.New(), model.SimulationInput{
		Area: model.BoundingBox{Lat1: 50.7, Lng1: -1.9, Lat2: 50.8, Lng2: -1.8},
	}, 3, "", nil)
	_ = st.Create(context.Background(), job)
	_, _, _ = st.CompareAndSwap(context.Background(), job.ID, model.StateQueued, (*model.Job).MarkRunning)

	// Let the record age past the pipeline's total budget.
	time.Sleep(20 * time.Millisecond)
	pool.recoverStaleRuns(context.Background())

	got, err := st.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != model.StateQueued {
		t.Fatalf("abandoned run not requeued: %s", got.State)
	}
	if pending, _ := br.Depth(); pending != 1 {
		t.Fatalf("expected recovery envelope, pending=%d", pending)
	}
}

func TestStrandedQueuedJobReEnqueued(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.VisibilityTimeoutMs = 1
	cfg.Broker.SweepIntervalMs = 1

	st := store.NewMemory()
	br := broker.NewMemoryBroker(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := NewPool(cfg, st, br, nil, logger)

	// A record whose enqueue never happened: queued, no envelope.
	job := model.NewJob(uuid.New(), model.SimulationInput{
		Area: model.BoundingBox{Lat1: 50.7, Lng1: -1.9, Lat2: 50.8, Lng2: -1.8},
	}, 3, "", nil)
	_ = st.Create(context.Background(), job)

	time.Sleep(20 * time.Millisecond)
	pool.requeueStrandedQueued(context.Background())

	got, err := st.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != model.StateQueued {
		t.Fatalf("recovery must not change state, got %s", got.State)
	}
	if !got.UpdatedAt.After(job.UpdatedAt) {
		t.Fatal("recovery did not touch the record")
	}
	if pending, _ := br.Depth(); pending != 1 {
		t.Fatalf("expected a recovery envelope, pending=%d", pending)
	}

	// The touched record sits inside the stale window now, so an
	// immediate second pass must not pile on another envelope.
	pool.requeueStrandedQueued(context.Background())
	if pending, _ := br.Depth(); pending != 1 {
		t.Fatalf("second pass re-enqueued a fresh record, pending=%d", pending)
	}
}

func TestOrphanedEnvelopeDropped(t *testing.T) {
	h := startHarness(t, &scriptedEngine{})

	// Envelope for a job that no longer exists.
	_ = h.broker.Enqueue(context.Background(), broker.Envelope{JobID: uuid.New(), Attempt: 1})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending, inflight := h.broker.Depth()
		if pending == 0 && inflight == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("orphaned envelope was not drained")
}
