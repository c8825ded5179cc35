// Package pipeline runs the six decision stages over a DecisionContext:
// input adapter, static filter, risk scorer, optimizer, reactive override and
// actuator. Stages mutate the context in place and only the reactive override
// may write the final decision.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
)

// Stage names, used in traces, metrics and rejection records.
const (
	StageInputAdapter     = "input_adapter"
	StageStaticFilter     = "static_filter"
	StageRiskScorer       = "risk_scorer"
	StageOptimizer        = "optimizer"
	StageReactiveOverride = "reactive_override"
	StageActuator         = "actuator"
)

const tracerName = "github.com/softcane/spot-vortex-governor/internal/pipeline"

var (
	// ErrDecisionOutsideOverride means a stage other than the reactive
	// override wrote the final decision. It is a bug and never retried.
	ErrDecisionOutsideOverride = errors.New("pipeline: final decision written outside reactive override")

	// ErrUndecided means the pipeline finished without a final decision.
	ErrUndecided = errors.New("pipeline: no final decision")
)

// Stage is one pipeline step. OnEnter and OnExit bracket Process and run
// even when the stage has nothing to do.
type Stage interface {
	Name() string
	OnEnter(ctx context.Context, dc *candidate.DecisionContext) error
	Process(ctx context.Context, dc *candidate.DecisionContext) error
	OnExit(ctx context.Context, dc *candidate.DecisionContext) error
}

// StageError wraps a failure inside a named stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline executes stages in order.
type Pipeline struct {
	stages []Stage
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New builds a pipeline over stages.
func New(logger *slog.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		stages: stages,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// Execute runs every stage. The first stage error aborts the evaluation and
// is returned as a *StageError; callers must discard dc in that case.
func (p *Pipeline) Execute(ctx context.Context, dc *candidate.DecisionContext) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(attribute.String("resource", dc.Request.Key())))
	defer span.End()

	for _, s := range p.stages {
		if err := p.runStage(ctx, s, dc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.EvaluationErrors.WithLabelValues(s.Name()).Inc()
			return err
		}
	}

	if dc.Decision() == candidate.DecisionUndecided {
		return ErrUndecided
	}
	metrics.DecisionsTotal.WithLabelValues(dc.Decision().String(), dc.DecisionSource()).Inc()
	span.SetAttributes(
		attribute.String("decision", dc.Decision().String()),
		attribute.String("decision_source", dc.DecisionSource()),
	)
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, s Stage, dc *candidate.DecisionContext) error {
	name := s.Name()
	ctx, span := p.tracer.Start(ctx, "stage."+name)
	defer span.End()

	decidedBefore := dc.Decision() != candidate.DecisionUndecided
	start := p.now()

	for _, step := range []func(context.Context, *candidate.DecisionContext) error{s.OnEnter, s.Process, s.OnExit} {
		if err := step(ctx, dc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return &StageError{Stage: name, Err: err}
		}
	}

	if !decidedBefore && dc.Decision() != candidate.DecisionUndecided && name != StageReactiveOverride {
		return &StageError{Stage: name, Err: ErrDecisionOutsideOverride}
	}

	elapsed := p.now().Sub(start)
	total, valid, rejected := dc.Counts()
	entry := candidate.TraceEntry{
		Stage:     name,
		Timestamp: start,
		Duration:  elapsed,
		Total:     total,
		Valid:     valid,
		Rejected:  rejected,
	}
	if name == StageReactiveOverride {
		entry.Note = fmt.Sprintf("decision=%s source=%s", dc.Decision(), dc.DecisionSource())
	}
	dc.Record(entry)

	metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	metrics.Candidates.WithLabelValues(name, "valid").Set(float64(valid))
	metrics.Candidates.WithLabelValues(name, "rejected").Set(float64(rejected))
	span.SetAttributes(
		attribute.Int("candidates.total", total),
		attribute.Int("candidates.valid", valid),
	)

	p.logger.Debug("stage complete",
		"stage", name,
		"resource", dc.Request.Key(),
		"total", total,
		"valid", valid,
		"rejected", rejected,
		"duration", elapsed,
	)
	return nil
}

// base gives stages no-op hooks.
type base struct{}

func (base) OnEnter(context.Context, *candidate.DecisionContext) error { return nil }
func (base) OnExit(context.Context, *candidate.DecisionContext) error  { return nil }
