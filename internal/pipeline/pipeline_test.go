package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"floodtwin/internal/config"
	"floodtwin/internal/dem"
	"floodtwin/internal/model"
	"floodtwin/internal/simulation"
)

type fakeDEM struct {
	req dem.ConditionRequest
	res *dem.ConditionResult
	err error
}

func (f *fakeDEM) Condition(_ context.Context, req dem.ConditionRequest) (*dem.ConditionResult, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeEngine struct {
	req   simulation.RunRequest
	res   *simulation.RunResult
	err   error
	block bool
	calls int
}

func (f *fakeEngine) Run(ctx context.Context, req simulation.RunRequest) (*simulation.RunResult, error) {
	f.calls++
	f.req = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeRenderer struct {
	calls int
	err   error
}

func (f *fakeRenderer) Render(_ context.Context, jobID string, _ time.Duration) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "reports/" + jobID + ".png", nil
}

type fakePublisher struct {
	calls int
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, jobID, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "floodtwin:flood_" + jobID, nil
}

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxAreaKm2:                   2500,
		DefaultResolutionMetres:      30,
		DefaultEndTimeSeconds:        86400,
		DefaultOutputTimestepSeconds: 3600,
		DefaultProjectedYear:         2050,
		DefaultConfidenceLevel:       "medium",
	}
}

func testJob() *model.Job {
	return model.NewJob(uuid.New(), model.SimulationInput{
		Area: model.BoundingBox{Lat1: 50.7, Lng1: -1.9, Lat2: 50.8, Lng2: -1.8},
	}, 3, "", nil)
}

func TestRunProducesCompleteResult(t *testing.T) {
	d := &fakeDEM{res: &dem.ConditionResult{DEMArtifact: "dem.tif", BoundaryArtifacts: []string{"tide.csv"}}}
	e := &fakeEngine{res: &simulation.RunResult{OutputArtifact: "depth.tif"}}
	r := &fakeRenderer{}
	pub := &fakePublisher{}

	job := testJob()
	p := New(testConfig(), d, e, r, pub)

	res, err := p.Run(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.DEMArtifact != "dem.tif" || res.SimulationArtifact != "depth.tif" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.ReportArtifact == "" || res.CoverageLayer == "" {
		t.Fatalf("result missing report or layer: %+v", res)
	}
	if e.req.DEMArtifact != "dem.tif" || len(e.req.BoundaryArtifacts) != 1 {
		t.Fatalf("engine not fed conditioning outputs: %+v", e.req)
	}
}

func TestRunAppliesDefaults(t *testing.T) {
	d := &fakeDEM{res: &dem.ConditionResult{DEMArtifact: "dem.tif"}}
	e := &fakeEngine{res: &simulation.RunResult{OutputArtifact: "depth.tif"}}

	p := New(testConfig(), d, e, nil, nil)
	if _, err := p.Run(context.Background(), testJob(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if d.req.ResolutionMetres != 30 || d.req.ProjectedYear != 2050 || d.req.ConfidenceLevel != "medium" {
		t.Fatalf("defaults not applied to conditioning request: %+v", d.req)
	}
	if e.req.EndTimeSeconds != 86400 || e.req.OutputTimestepSeconds != 3600 {
		t.Fatalf("defaults not applied to run request: %+v", e.req)
	}
}

func TestOversizedAreaRejectedBeforeAnyExternalCall(t *testing.T) {
	d := &fakeDEM{res: &dem.ConditionResult{DEMArtifact: "dem.tif"}}
	e := &fakeEngine{}

	job := testJob()
	job.Input.Area = model.BoundingBox{Lat1: 40, Lng1: -5, Lat2: 50, Lng2: 5}

	p := New(testConfig(), d, e, nil, nil)
	_, err := p.Run(context.Background(), job, nil)

	var se *model.StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if se.Kind != model.FailureInvalidInput || se.Stage != model.StagePrecondition {
		t.Fatalf("expected invalid_input at precondition, got %+v", se)
	}
	if e.calls != 0 || d.req.PolygonWKT != "" {
		t.Fatal("infeasible job reached external services")
	}
}

func TestStageTimeoutClassified(t *testing.T) {
	cfg := testConfig()
	cfg.SimulationTimeoutMs = 20

	d := &fakeDEM{res: &dem.ConditionResult{DEMArtifact: "dem.tif"}}
	e := &fakeEngine{block: true}

	p := New(cfg, d, e, nil, nil)
	_, err := p.Run(context.Background(), testJob(), nil)

	var se *model.StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if se.Kind != model.FailureStageTimeout || se.Stage != model.StageSimulation {
		t.Fatalf("expected stage_timeout at simulation, got %+v", se)
	}
}

func TestClassifiedErrorsPassThrough(t *testing.T) {
	d := &fakeDEM{err: model.NewTransient(model.StageConditioning, errors.New("dem service down"))}
	p := New(testConfig(), d, &fakeEngine{}, nil, nil)

	_, err := p.Run(context.Background(), testJob(), nil)
	var se *model.StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if se.Kind != model.FailureTransient || se.Stage != model.StageConditioning {
		t.Fatalf("expected transient at conditioning, got %+v", se)
	}
}

func TestBoundaryStopsRunBeforeStage(t *testing.T) {
	d := &fakeDEM{res: &dem.ConditionResult{DEMArtifact: "dem.tif"}}
	e := &fakeEngine{res: &simulation.RunResult{OutputArtifact: "depth.tif"}}
	r := &fakeRenderer{}

	p := New(testConfig(), d, e, r, &fakePublisher{})

	boundary := func(_ context.Context, stage model.Stage) error {
		if stage == model.StageRender {
			return model.ErrCancelRequested
		}
		return nil
	}

	_, err := p.Run(context.Background(), testJob(), boundary)
	if !errors.Is(err, model.ErrCancelRequested) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if e.calls != 1 {
		t.Fatalf("stages before the boundary must run, engine calls = %d", e.calls)
	}
	if r.calls != 0 {
		t.Fatal("cancelled run must not start the next stage")
	}
}

func TestBoundaryObservesStageOrder(t *testing.T) {
	d := &fakeDEM{res: &dem.ConditionResult{DEMArtifact: "dem.tif"}}
	e := &fakeEngine{res: &simulation.RunResult{OutputArtifact: "depth.tif"}}

	var seen []model.Stage
	boundary := func(_ context.Context, stage model.Stage) error {
		seen = append(seen, stage)
		return nil
	}

	p := New(testConfig(), d, e, &fakeRenderer{}, &fakePublisher{})
	if _, err := p.Run(context.Background(), testJob(), boundary); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(seen) != len(model.Stages) {
		t.Fatalf("expected %d boundary calls, got %d", len(model.Stages), len(seen))
	}
	for i, stage := range model.Stages {
		if seen[i] != stage {
			t.Fatalf("stage order violated at %d: %v", i, seen)
		}
	}
}
