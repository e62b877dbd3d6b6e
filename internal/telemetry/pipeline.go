package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const pipelineScopeName = "github.com/waitline/waitline/pipeline"

// PipelineMetrics instruments pipeline steps: a span per step, run counts,
// duration and row throughput. NewPipelineMetrics returns a no-op variant
// when telemetry is disabled.
type PipelineMetrics struct {
	enabled bool
	tracer  trace.Tracer
	runs    metric.Int64Counter
	dur     metric.Float64Histogram
	rows    metric.Int64Counter
	errs    metric.Int64Counter
}

// NewPipelineMetrics builds the pipeline instrumentation set.
func NewPipelineMetrics() *PipelineMetrics {
	if !Enabled() {
		return &PipelineMetrics{}
	}
	m := Meter(pipelineScopeName)
	runs, _ := m.Int64Counter("wl.pipeline.step.runs",
		metric.WithDescription("Pipeline step executions"),
	)
	dur, _ := m.Float64Histogram("wl.pipeline.step.duration",
		metric.WithDescription("Pipeline step duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	rows, _ := m.Int64Counter("wl.pipeline.rows",
		metric.WithDescription("Rows written by pipeline steps"),
	)
	errs, _ := m.Int64Counter("wl.pipeline.step.errors",
		metric.WithDescription("Pipeline step failures"),
	)
	return &PipelineMetrics{
		enabled: true,
		tracer:  Tracer(pipelineScopeName),
		runs:    runs,
		dur:     dur,
		rows:    rows,
		errs:    errs,
	}
}

// StartStep opens a span for a named step. The returned finish function
// records duration and outcome; pass the step's error (or nil).
func (p *PipelineMetrics) StartStep(ctx context.Context, step string) (context.Context, func(error)) {
	if !p.enabled {
		return ctx, func(error) {}
	}
	attrs := attribute.String("wl.step", step)
	ctx, span := p.tracer.Start(ctx, "pipeline."+step, trace.WithAttributes(attrs))
	start := time.Now()
	return ctx, func(err error) {
		elapsed := float64(time.Since(start).Milliseconds())
		p.runs.Add(ctx, 1, metric.WithAttributes(attrs))
		p.dur.Record(ctx, elapsed, metric.WithAttributes(attrs))
		if err != nil {
			p.errs.Add(ctx, 1, metric.WithAttributes(attrs))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// AddRows counts rows produced by a step.
func (p *PipelineMetrics) AddRows(ctx context.Context, step string, n int64) {
	if !p.enabled || n <= 0 {
		return
	}
	p.rows.Add(ctx, n, metric.WithAttributes(attribute.String("wl.step", step)))
}
