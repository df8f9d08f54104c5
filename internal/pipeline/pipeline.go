// Package pipeline runs the ordered stages that turn a submitted area
// and scenario into a published flood map: validate the request,
// condition the terrain and boundary inputs, run the hydraulic engine,
// render the report, and publish the output layer.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"floodtwin/internal/config"
	"floodtwin/internal/dem"
	"floodtwin/internal/metrics"
	"floodtwin/internal/model"
	"floodtwin/internal/simulation"
)

// DEMService prepares conditioned terrain and boundary inputs.
type DEMService interface {
	Condition(ctx context.Context, req dem.ConditionRequest) (*dem.ConditionResult, error)
}

// Engine runs the hydraulic simulation to completion.
type Engine interface {
	Run(ctx context.Context, req simulation.RunRequest) (*simulation.RunResult, error)
}

// Renderer captures the report image for a finished run.
type Renderer interface {
	Render(ctx context.Context, jobID string, timeout time.Duration) (string, error)
}

// LayerPublisher registers the output raster as a servable map layer.
type LayerPublisher interface {
	Publish(ctx context.Context, jobID, outputArtifact string) (string, error)
}

// Boundary is invoked before each stage starts. Returning an error
// stops the run without starting the stage; returning
// model.ErrCancelRequested stops it as cancelled.
type Boundary func(ctx context.Context, stage model.Stage) error

// Pipeline wires the stage clients together.
type Pipeline struct {
	cfg       config.PipelineConfig
	dem       DEMService
	engine    Engine
	renderer  Renderer
	publisher LayerPublisher
}

func New(cfg config.PipelineConfig, d DEMService, e Engine, r Renderer, p LayerPublisher) *Pipeline {
	return &Pipeline{cfg: cfg, dem: d, engine: e, renderer: r, publisher: p}
}

// state accumulates artifacts as stages complete.
type state struct {
	job      *model.Job
	dem      *dem.ConditionResult
	output   string
	report   string
	layer    string
	resolved model.SimulationInput
}

// Run executes every stage in order for the job. On success the
// returned result references every artifact; on error the returned
// error is a *model.StageError (or context error) naming the stage
// that failed.
func (p *Pipeline) Run(ctx context.Context, job *model.Job, boundary Boundary) (*model.Result, error) {
	st := &state{job: job}

	stages := []struct {
		stage   model.Stage
		timeout time.Duration
		run     func(context.Context, *state) error
	}{
		{model.StagePrecondition, p.cfg.PreconditionTimeout(), p.precondition},
		{model.StageConditioning, p.cfg.ConditioningTimeout(), p.condition},
		{model.StageSimulation, p.cfg.SimulationTimeout(), p.simulate},
		{model.StageRender, p.cfg.RenderTimeout(), p.render},
		{model.StagePublish, p.cfg.PublishTimeout(), p.publish},
	}

	for _, s := range stages {
		if boundary != nil {
			if err := boundary(ctx, s.stage); err != nil {
				return nil, err
			}
		}

		stageCtx, cancel := context.WithTimeout(ctx, s.timeout)
		started := time.Now()
		err := s.run(stageCtx, st)
		cancel()
		metrics.RecordStageDuration(string(s.stage), time.Since(started).Milliseconds())
		if err != nil {
			return nil, model.ClassifyStageError(s.stage, err)
		}
	}

	return &model.Result{
		DEMArtifact:        st.dem.DEMArtifact,
		SimulationArtifact: st.output,
		ReportArtifact:     st.report,
		CoverageLayer:      st.layer,
	}, nil
}

// precondition re-validates the stored input and checks the request is
// feasible. Anything wrong here is the submitter's fault and is never
// retried.
func (p *Pipeline) precondition(_ context.Context, st *state) error {
	in := st.job.Input
	if err := in.Validate(); err != nil {
		return model.NewInvalidInput(model.StagePrecondition, err)
	}

	if in.ResolutionMetres <= 0 {
		in.ResolutionMetres = p.cfg.DefaultResolutionMetres
	}
	if in.EndTimeSeconds <= 0 {
		in.EndTimeSeconds = p.cfg.DefaultEndTimeSeconds
	}
	if in.OutputTimestepSeconds <= 0 {
		in.OutputTimestepSeconds = p.cfg.DefaultOutputTimestepSeconds
	}
	if in.Scenario.ProjectedYear == 0 {
		in.Scenario.ProjectedYear = p.cfg.DefaultProjectedYear
	}
	if in.Scenario.ConfidenceLevel == "" {
		in.Scenario.ConfidenceLevel = p.cfg.DefaultConfidenceLevel
	}

	if area := in.Area.AreaKm2(); p.cfg.MaxAreaKm2 > 0 && area > p.cfg.MaxAreaKm2 {
		return model.NewInvalidInput(model.StagePrecondition,
			fmt.Errorf("area %.1f km2 exceeds limit of %.1f km2", area, p.cfg.MaxAreaKm2))
	}

	st.resolved = in
	return nil
}

func (p *Pipeline) condition(ctx context.Context, st *state) error {
	res, err := p.dem.Condition(ctx, dem.ConditionRequest{
		PolygonWKT:              st.resolved.Area.WKT(),
		ResolutionMetres:        st.resolved.ResolutionMetres,
		ProjectedYear:           st.resolved.Scenario.ProjectedYear,
		AddVerticalLandMovement: st.resolved.Scenario.AddVerticalLandMovement,
		ConfidenceLevel:         st.resolved.Scenario.ConfidenceLevel,
	})
	if err != nil {
		return err
	}
	st.dem = res
	return nil
}

func (p *Pipeline) simulate(ctx context.Context, st *state) error {
	res, err := p.engine.Run(ctx, simulation.RunRequest{
		DEMArtifact:           st.dem.DEMArtifact,
		BoundaryArtifacts:     st.dem.BoundaryArtifacts,
		PolygonWKT:            st.resolved.Area.WKT(),
		ResolutionMetres:      st.resolved.ResolutionMetres,
		EndTimeSeconds:        st.resolved.EndTimeSeconds,
		OutputTimestepSeconds: st.resolved.OutputTimestepSeconds,
	})
	if err != nil {
		return err
	}
	st.output = res.OutputArtifact
	return nil
}

func (p *Pipeline) render(ctx context.Context, st *state) error {
	if p.renderer == nil {
		return nil
	}
	path, err := p.renderer.Render(ctx, st.job.ID.String(), p.cfg.RenderTimeout())
	if err != nil {
		return err
	}
	st.report = path
	return nil
}

func (p *Pipeline) publish(ctx context.Context, st *state) error {
	if p.publisher == nil {
		return nil
	}
	layer, err := p.publisher.Publish(ctx, st.job.ID.String(), st.output)
	if err != nil {
		return err
	}
	st.layer = layer
	return nil
}
