package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRunsTotal     = "mapfree.runs.total"
	metricRunDuration   = "mapfree.run.duration.seconds"
	metricStagesTotal   = "mapfree.stages.total"
	metricStageDuration = "mapfree.stage.duration.seconds"
	metricChunksTotal   = "mapfree.chunks.total"
	metricRetriesTotal  = "mapfree.subprocess.retries.total"
	metricVRAMRatio     = "mapfree.vram.usage.ratio"

	attrStage  = "stage"
	attrStatus = "status"

	// StatusOK labels successfully completed work.
	StatusOK = "ok"
	// StatusError labels failed work.
	StatusError = "error"
	// StatusSkipped labels work skipped by resume.
	StatusSkipped = "skipped"
	// StatusStopped labels work ended by a stop request.
	StatusStopped = "stopped"
)

// durationBucketBoundaries covers 1s to 2h: reconstruction stages range
// from seconds on tiny datasets to hours for dense depth estimation.
var durationBucketBoundaries = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200}

// PipelineMetrics holds the OTel instruments for pipeline runs.
type PipelineMetrics struct {
	runsTotal     metric.Int64Counter
	runDuration   metric.Float64Histogram
	stagesTotal   metric.Int64Counter
	stageDuration metric.Float64Histogram
	chunksTotal   metric.Int64Counter
	retriesTotal  metric.Int64Counter
	vramRatio     metric.Float64Gauge
}

// NewPipelineMetrics creates pipeline metric instruments from the given meter.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	runs, err := mt.Int64Counter(metricRunsTotal,
		metric.WithDescription("Total pipeline runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRunsTotal, err)
	}

	runDur, err := mt.Float64Histogram(metricRunDuration,
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRunDuration, err)
	}

	stages, err := mt.Int64Counter(metricStagesTotal,
		metric.WithDescription("Total stage executions by stage and status"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricStagesTotal, err)
	}

	stageDur, err := mt.Float64Histogram(metricStageDuration,
		metric.WithDescription("Stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricStageDuration, err)
	}

	chunks, err := mt.Int64Counter(metricChunksTotal,
		metric.WithDescription("Total dataset chunks processed"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricChunksTotal, err)
	}

	retries, err := mt.Int64Counter(metricRetriesTotal,
		metric.WithDescription("Subprocess retry attempts by stage"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRetriesTotal, err)
	}

	vram, err := mt.Float64Gauge(metricVRAMRatio,
		metric.WithDescription("Most recent GPU memory usage ratio"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricVRAMRatio, err)
	}

	return &PipelineMetrics{
		runsTotal:     runs,
		runDuration:   runDur,
		stagesTotal:   stages,
		stageDuration: stageDur,
		chunksTotal:   chunks,
		retriesTotal:  retries,
		vramRatio:     vram,
	}, nil
}

// RecordRun records a completed pipeline run. Safe to call on a nil
// receiver (no-op).
func (pm *PipelineMetrics) RecordRun(ctx context.Context, status string, duration time.Duration) {
	if pm == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrStatus, status))
	pm.runsTotal.Add(ctx, 1, attrs)
	pm.runDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStage records one stage execution with its status and duration.
func (pm *PipelineMetrics) RecordStage(ctx context.Context, stage, status string, duration time.Duration) {
	if pm == nil {
		return
	}

	pm.stagesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrStage, stage),
		attribute.String(attrStatus, status),
	))
	pm.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(attrStage, stage),
	))
}

// AddChunks adds processed chunks to the chunk counter.
func (pm *PipelineMetrics) AddChunks(ctx context.Context, count int) {
	if pm == nil {
		return
	}

	pm.chunksTotal.Add(ctx, int64(count))
}

// RecordRetry counts one subprocess retry for the given stage.
func (pm *PipelineMetrics) RecordRetry(ctx context.Context, stage string) {
	if pm == nil {
		return
	}

	pm.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStage, stage)))
}

// RecordVRAMRatio records the latest GPU memory usage ratio sample.
func (pm *PipelineMetrics) RecordVRAMRatio(ctx context.Context, ratio float64) {
	if pm == nil {
		return
	}

	pm.vramRatio.Record(ctx, ratio)
}
