package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/telemetry"
)

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}

	return metricdata.Metrics{}, false
}

func TestRecordRequestIncrementsTotalsAndErrors(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	rm, err := telemetry.NewREDMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := t.Context()
	rm.RecordRequest(ctx, "Work", "ok", 10*time.Millisecond)
	rm.RecordRequest(ctx, "Work", "error", 5*time.Millisecond)

	var collected metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &collected))

	totals, ok := findMetric(collected, "analysiscoordinator.requests.total")
	require.True(t, ok)

	sum, ok := totals.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, sum.DataPoints, 2)

	errors, ok := findMetric(collected, "analysiscoordinator.errors.total")
	require.True(t, ok)

	errSum, ok := errors.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, errSum.DataPoints, 1)
}

func TestTrackInflightReturnsDecrementFunc(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	rm, err := telemetry.NewREDMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := t.Context()
	dec := rm.TrackInflight(ctx, "Work")
	require.NotNil(t, dec)
	dec()

	var collected metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &collected))

	inflight, ok := findMetric(collected, "analysiscoordinator.inflight.requests")
	require.True(t, ok)

	sum, ok := inflight.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(0), sum.DataPoints[0].Value)
}

func TestSetQueueDepthRecordsDelta(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	rm, err := telemetry.NewREDMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := t.Context()
	rm.SetQueueDepth(ctx, "received_measurements", 3)
	rm.SetQueueDepth(ctx, "received_measurements", -1)

	var collected metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &collected))

	depth, ok := findMetric(collected, "analysiscoordinator.queue.depth")
	require.True(t, ok)

	sum, ok := depth.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
}
