package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"knowledge-rag/internal/config"
)

func TestInitTracer_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), config.TelemetryConfig{ServiceName: "test"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitMeterProvider_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitMeterProvider(context.Background(), config.TelemetryConfig{ServiceName: "test"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitMeterProvider_WithEndpoint(t *testing.T) {
	// The gRPC exporter connects lazily, so construction succeeds without a collector.
	shutdown, err := InitMeterProvider(context.Background(), config.TelemetryConfig{
		ServiceName:  "test",
		OTLPEndpoint: "127.0.0.1:1",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

// collect returns the metrics gathered by reader keyed by instrument name.
func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumInt64(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordedValuesReachReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordStage(ctx, "ingest", "load", 0.01, nil)
	m.RecordStage(ctx, "ingest", "embed", 0.02, errors.New("boom"))
	m.RecordIngestion(ctx, "doc.txt", 3)
	m.RecordIngestion(ctx, "other.txt", 2)
	m.RecordQuery(ctx, 4)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumInt64(t, got["rag.ingestions.total"]))
	assert.Equal(t, int64(5), sumInt64(t, got["rag.chunks.indexed"]))
	assert.Equal(t, int64(1), sumInt64(t, got["rag.queries.total"]))
	assert.Equal(t, int64(1), sumInt64(t, got["rag.failures.total"]))

	hist, ok := got["rag.stage.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	ctx := context.Background()
	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.RecordStage(ctx, "query", "retrieve", 0, nil)
		nilMetrics.RecordIngestion(ctx, "doc.txt", 1)
		nilMetrics.RecordQuery(ctx, 0)
	})

	m, err := InitMetrics()
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.RecordQuery(ctx, 1) })
}
