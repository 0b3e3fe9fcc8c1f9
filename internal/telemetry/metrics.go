package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "knowledge-rag"

// Metrics holds the pipeline instruments.
type Metrics struct {
	Ingestions      metric.Int64Counter
	ChunksIndexed   metric.Int64Counter
	Queries         metric.Int64Counter
	StageDuration   metric.Float64Histogram
	PipelineFailure metric.Int64Counter
}

// InitMetrics creates the instruments on the global meter provider.
func InitMetrics() (*Metrics, error) {
	return NewMetrics(otel.GetMeterProvider())
}

func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(instrumentationName)

	ingestions, err := meter.Int64Counter(
		"rag.ingestions.total",
		metric.WithDescription("Completed document ingestions"),
	)
	if err != nil {
		return nil, err
	}

	chunks, err := meter.Int64Counter(
		"rag.chunks.indexed",
		metric.WithDescription("Chunks written to the vector index"),
	)
	if err != nil {
		return nil, err
	}

	queries, err := meter.Int64Counter(
		"rag.queries.total",
		metric.WithDescription("Answered questions"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"rag.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"rag.failures.total",
		metric.WithDescription("Pipeline failures by stage"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Ingestions:      ingestions,
		ChunksIndexed:   chunks,
		Queries:         queries,
		StageDuration:   duration,
		PipelineFailure: failures,
	}, nil
}

// Tracer returns the tracer used by the pipelines.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// RecordStage records how long a pipeline stage took. A nil receiver is a no-op.
func (m *Metrics) RecordStage(ctx context.Context, pipeline, stage string, seconds float64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("rag.pipeline", pipeline),
		attribute.String("rag.stage", stage),
		attribute.Bool("rag.success", err == nil),
	)
	m.StageDuration.Record(ctx, seconds, attrs)
	if err != nil {
		m.PipelineFailure.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordIngestion(ctx context.Context, document string, chunks int) {
	if m == nil {
		return
	}
	m.Ingestions.Add(ctx, 1)
	m.ChunksIndexed.Add(ctx, int64(chunks), metric.WithAttributes(attribute.String("rag.document", document)))
}

func (m *Metrics) RecordQuery(ctx context.Context, sources int) {
	if m == nil {
		return
	}
	m.Queries.Add(ctx, 1, metric.WithAttributes(attribute.Int("rag.sources", sources)))
}
