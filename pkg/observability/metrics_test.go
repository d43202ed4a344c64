package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Sumatoshi-tech/mapfree/pkg/observability"
)

func setupTestMeter(t *testing.T) (*observability.PipelineMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter("test")

	pm, err := observability.NewPipelineMetrics(meter)
	require.NoError(t, err)

	return pm, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics

	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)

	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for idx := range rm.ScopeMetrics {
		for midx := range rm.ScopeMetrics[idx].Metrics {
			if rm.ScopeMetrics[idx].Metrics[midx].Name == name {
				return &rm.ScopeMetrics[idx].Metrics[midx]
			}
		}
	}

	return nil
}

func TestPipelineMetrics_RecordRun(t *testing.T) {
	t.Parallel()

	pm, reader := setupTestMeter(t)
	ctx := context.Background()

	pm.RecordRun(ctx, observability.StatusOK, 90*time.Second)

	rm := collectMetrics(t, reader)

	require.NotNil(t, findMetric(rm, "mapfree.runs.total"))
	require.NotNil(t, findMetric(rm, "mapfree.run.duration.seconds"))
}

func TestPipelineMetrics_RecordStage(t *testing.T) {
	t.Parallel()

	pm, reader := setupTestMeter(t)
	ctx := context.Background()

	pm.RecordStage(ctx, "dense", observability.StatusOK, 5*time.Minute)
	pm.RecordStage(ctx, "sparse", observability.StatusSkipped, 0)

	rm := collectMetrics(t, reader)

	require.NotNil(t, findMetric(rm, "mapfree.stages.total"))
	require.NotNil(t, findMetric(rm, "mapfree.stage.duration.seconds"))
}

func TestPipelineMetrics_ChunksRetriesVRAM(t *testing.T) {
	t.Parallel()

	pm, reader := setupTestMeter(t)
	ctx := context.Background()

	pm.AddChunks(ctx, 7)
	pm.RecordRetry(ctx, "dense")
	pm.RecordVRAMRatio(ctx, 0.42)

	rm := collectMetrics(t, reader)

	require.NotNil(t, findMetric(rm, "mapfree.chunks.total"))
	require.NotNil(t, findMetric(rm, "mapfree.subprocess.retries.total"))

	vram := findMetric(rm, "mapfree.vram.usage.ratio")
	require.NotNil(t, vram)

	gauge, ok := vram.Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.InDelta(t, 0.42, gauge.DataPoints[0].Value, 0.0001)
}

func TestPipelineMetrics_NilReceiverIsNoop(t *testing.T) {
	t.Parallel()

	var pm *observability.PipelineMetrics

	ctx := context.Background()

	assert.NotPanics(t, func() {
		pm.RecordRun(ctx, observability.StatusError, time.Second)
		pm.RecordStage(ctx, "sparse", observability.StatusOK, time.Second)
		pm.AddChunks(ctx, 3)
		pm.RecordRetry(ctx, "dense")
		pm.RecordVRAMRatio(ctx, 0.9)
	})
}
