package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/proc"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/internal/state"
	"github.com/Sumatoshi-tech/mapfree/pkg/observability"
)

// runDense reconstructs the dense point cloud. GPU memory is probed
// fresh right before the stage: the sparse phase may have run for hours
// and the card's free memory tells a different story by now. When the
// watchdog kills the stage the profile's MaxImageSize shrinks and the
// stage retries within the configured budget.
func (p *Pipeline) runDense(ctx context.Context, run *project.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.dense")
	defer span.End()

	if state.IsStepDone(run.ProjectPath, state.StepDense) && project.DenseValid(run.DensePath) {
		announce(run, "[RESUME] Skipping dense reconstruction")
		p.publishStageSkipped(state.StepDense)
		p.metrics.RecordStage(ctx, state.StepDense, observability.StatusSkipped, 0)
		p.warnEmptyFusion(run)

		return nil
	}

	run.SetProgress(progressDense, "[RUNNING] dense reconstruction")
	p.publish(bus.StageStarted{Stage: state.StepDense})

	err := os.MkdirAll(run.DensePath, 0o755)
	if err != nil {
		return fmt.Errorf("create dense dir: %w", err)
	}

	snap := p.hw.Detect(ctx)
	watch := run.Profile.UseGPU && snap.VRAMTotalMB > 0

	span.SetAttributes(
		attribute.Bool("dense.watchdog", watch),
		attribute.Int("dense.vram_mb", snap.VRAMTotalMB),
	)

	started := time.Now()

	err = p.denseWithRetry(ctx, run, watch)
	if err != nil {
		p.metrics.RecordStage(ctx, state.StepDense, observability.StatusError, time.Since(started))

		return err
	}

	if project.DenseValid(run.DensePath) {
		err = state.MarkStepDone(run.ProjectPath, state.StepDense)
		if err != nil {
			return err
		}
	}

	announce(run, "[DONE] dense reconstruction")
	p.publish(bus.StageCompleted{Stage: state.StepDense})
	p.metrics.RecordStage(ctx, state.StepDense, observability.StatusOK, time.Since(started))

	p.warnEmptyFusion(run)

	return nil
}

// denseWithRetry runs the dense stage, downscaling the profile and
// retrying each time the watchdog kills it. Any other failure, or an
// exhausted retry budget, surfaces as-is.
func (p *Pipeline) denseWithRetry(ctx context.Context, run *project.Context, watch bool) error {
	budget := max(0, p.cfg.RetryCount)
	factor := p.cfg.VRAMWatchdog.DownscaleFactor

	for attempt := 0; ; attempt++ {
		err := p.eng.Dense(ctx, run, watch)
		if err == nil {
			return nil
		}

		var watchErr *proc.WatchdogError
		if !errors.As(err, &watchErr) || attempt >= budget {
			return err
		}

		current := run.Profile.MaxImageSize
		if current <= 0 {
			current = denseFallbackImageSize
		}

		run.Profile.MaxImageSize = max(minDenseImageSize, int(float64(current)*factor))

		p.metrics.RecordRetry(ctx, state.StepDense)
		p.logger.Warn("dense stage killed by vram watchdog, retrying downscaled",
			slog.Int("attempt", attempt+1),
			slog.Int("used_mb", watchErr.UsedMB),
			slog.Int("max_image_size", run.Profile.MaxImageSize),
		)
		announce(run, fmt.Sprintf("VRAM exceeded, retrying dense with max_image_size=%d",
			run.Profile.MaxImageSize))
	}
}

// warnEmptyFusion flags a fused point cloud too small to hold geometry,
// the usual signature of fusion starved of GPU memory.
func (p *Pipeline) warnEmptyFusion(run *project.Context) {
	info, err := os.Stat(filepath.Join(run.DensePath, project.FusedPointCloud))
	if err != nil || info.Size() >= emptyFusionBytes {
		return
	}

	p.logger.Warn("dense fusion produced an empty model, possibly due to gpu memory limits",
		slog.Int64("bytes", info.Size()),
	)
}
