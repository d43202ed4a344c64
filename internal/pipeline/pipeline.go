// Package pipeline orchestrates a full reconstruction run: hardware
// profiling, optional dataset chunking, sparse and dense reconstruction,
// optional geospatial products, and final results export. Every step
// persists its completion flag next to validated artifacts, so an
// interrupted run resumes where it stopped instead of recomputing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/chunking"
	"github.com/Sumatoshi-tech/mapfree/internal/engine"
	"github.com/Sumatoshi-tech/mapfree/internal/geospatial"
	"github.com/Sumatoshi-tech/mapfree/internal/hardware"
	"github.com/Sumatoshi-tech/mapfree/internal/proc"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/internal/state"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
	"github.com/Sumatoshi-tech/mapfree/pkg/observability"
)

const tracerName = "mapfree"

// Stage names used for events, metrics, and error attribution beyond the
// persisted step names.
const (
	stagePrepare    = "prepare"
	stageGeospatial = "geospatial"
	stageExport     = "export"
)

// Progress checkpoints across a run, as fractions of the whole.
const (
	progressStart      = 0.0
	progressDetect     = 0.02
	progressProfile    = 0.05
	progressImageCount = 0.06
	progressChunking   = 0.07
	progressChunkTotal = 0.08
	progressFeatures   = 0.2
	progressMatching   = 0.4
	progressSparse     = 0.5
	progressFilter     = 0.55
	progressDense      = 0.6
	progressFinished   = 1.0

	// Per-chunk feature extraction walks from progressChunkBase across
	// progressChunkSpan as chunks complete.
	progressChunkBase = 0.1
	progressChunkSpan = 0.25

	progressMerge = 0.45
)

// emptyFusionBytes is the size below which a fused point cloud cannot
// hold real geometry. Fusion starved of GPU memory writes the header and
// nothing else.
const emptyFusionBytes = 1024

// denseFallbackImageSize seeds the watchdog downscale when the profile
// carries no explicit limit.
const denseFallbackImageSize = 800

// minDenseImageSize floors the watchdog downscale; below this the depth
// maps are useless.
const minDenseImageSize = 100

// HardwareProber supplies the host capacity snapshot driving profile
// selection. Detection never fails; unknown capacity reads as zero.
type HardwareProber interface {
	Detect(ctx context.Context) hardware.Snapshot
}

// RasterProcessor derives geospatial products from a finished
// reconstruction.
type RasterProcessor interface {
	Process(ctx context.Context, run *project.Context) error
}

// Options assembles a run's collaborators. Nil fields resolve to the
// production implementations; tests inject fakes.
type Options struct {
	// Engine overrides the reconstruction backend chosen from config.
	Engine engine.Engine

	// Hardware overrides host capacity detection.
	Hardware HardwareProber

	// Raster overrides the geospatial product processor.
	Raster RasterProcessor

	// Metrics receives run, stage, chunk, and retry measurements. Nil
	// disables recording.
	Metrics *observability.PipelineMetrics

	// RunID stamps events and spans. Empty generates a fresh UUID.
	RunID string

	// ChunkSize forces the images-per-chunk split, bypassing config and
	// hardware resolution. Zero means resolve normally.
	ChunkSize int

	// Quality forces the quality preset on the selected profile,
	// overriding both the profile table and the VRAM recommendation.
	// Empty or unknown values are ignored.
	Quality string
}

// Pipeline drives one project through every stage. A Pipeline value is
// built per run and not reused.
type Pipeline struct {
	cfg     *config.Config
	bus     *bus.Bus
	logger  *slog.Logger
	eng     engine.Engine
	hw      HardwareProber
	raster  RasterProcessor
	metrics *observability.PipelineMetrics
	runID   string

	chunkOverride   int
	qualityOverride string
}

// plan is the dataset layout decided during preparation.
type plan struct {
	chunks      []string
	useChunking bool
}

// New assembles a pipeline from configuration and collaborators.
func New(cfg *config.Config, b *bus.Bus, logger *slog.Logger, opts Options) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}

	if logger == nil {
		logger = slog.Default()
	}

	eng := opts.Engine
	if eng == nil {
		eng = engine.New(engine.KindFromConfig(cfg), cfg, logger)
	}

	hw := opts.Hardware
	if hw == nil {
		hw = hardware.NewDetector(logger)
	}

	raster := opts.Raster
	if raster == nil {
		raster = geospatial.New(cfg.Geospatial, logger)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	return &Pipeline{
		cfg:             cfg,
		bus:             b,
		logger:          logger,
		eng:             eng,
		hw:              hw,
		raster:          raster,
		metrics:         opts.Metrics,
		runID:           runID,
		chunkOverride:   opts.ChunkSize,
		qualityOverride: strings.ToLower(strings.TrimSpace(opts.Quality)),
	}
}

// RunID returns the identifier stamped on this run's events and spans.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Run executes the pipeline against projectPath using the images in
// imagePath. It returns nil on success, an error wrapping proc.ErrStopped
// on a cooperative stop, and the failing stage's error otherwise. State is
// persisted before returning so the next run resumes.
func (p *Pipeline) Run(ctx context.Context, projectPath, imagePath string) error {
	started := time.Now()

	tr := otel.Tracer(tracerName)
	ctx, span := tr.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", p.runID),
			attribute.String("run.project", projectPath),
		))
	defer span.End()

	run := project.New(projectPath, imagePath, config.Profile{}, p.bus, p.logger)
	run.Phase = project.PhaseRunning

	if stop := p.subscribeStop(run); stop != nil {
		defer stop.Unsubscribe()
	}

	if vram := p.subscribeVRAM(ctx); vram != nil {
		defer vram.Unsubscribe()
	}

	p.publish(bus.PipelineStarted{
		RunID:      p.runID,
		Project:    projectPath,
		ImageCount: project.CountImages(imagePath),
	})
	run.SetProgress(progressStart, "Pipeline started")

	err := p.execute(ctx, run)

	switch {
	case err == nil:
		run.Phase = project.PhaseFinished
		p.metrics.RecordRun(ctx, observability.StatusOK, time.Since(started))
		p.publish(bus.PipelineFinished{RunID: p.runID, Duration: time.Since(started)})
		run.SetProgress(progressFinished, "Pipeline finished")

		return nil
	case errors.Is(err, proc.ErrStopped):
		run.Phase = project.PhaseStopped
		p.logger.Info("pipeline stopped by request", slog.String("run_id", p.runID))
		p.metrics.RecordRun(ctx, observability.StatusStopped, time.Since(started))
		p.persistState(run)

		return err
	default:
		run.Phase = project.PhaseError
		p.logger.Error("pipeline failed",
			slog.String("run_id", p.runID),
			slog.Any("error", err),
		)
		p.publish(bus.PipelineError{
			RunID:   p.runID,
			Stage:   failingStage(err),
			Message: err.Error(),
		})
		p.metrics.RecordRun(ctx, observability.StatusError, time.Since(started))
		p.persistState(run)

		return err
	}
}

// execute walks the stage sequence. A stop request cuts reconstruction
// short but still runs post-processing, so whatever finished gets
// exported before the run ends. A panic anywhere below is converted to
// an error so Run's failure path still persists state and publishes the
// terminal event.
func (p *Pipeline) execute(ctx context.Context, run *project.Context) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		p.logger.Error("pipeline panic",
			slog.String("run_id", p.runID),
			slog.Any("panic", r),
		)
		err = fmt.Errorf("unexpected pipeline failure: %v", r)
	}()

	layout, err := p.prepare(ctx, run)
	if err != nil {
		return err
	}

	if run.Stopped() {
		return stopError()
	}

	err = p.runSparse(ctx, run, layout)
	if err != nil {
		return err
	}

	if !run.Stopped() {
		p.filterSparse(run)
	}

	if !run.Stopped() {
		err = p.runDense(ctx, run)
		if err != nil {
			return err
		}
	}

	if !run.Stopped() {
		p.runGeospatial(ctx, run)
	}

	err = p.postProcess(ctx, run)
	if err != nil {
		return err
	}

	if run.Stopped() {
		return stopError()
	}

	return nil
}

// prepare probes hardware, selects and stamps the processing profile,
// resolves the chunk size, validates the dataset, and splits it.
func (p *Pipeline) prepare(ctx context.Context, run *project.Context) (plan, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.prepare")
	defer span.End()

	snap := p.hw.Detect(ctx)
	p.logger.Info("hardware detected",
		slog.Float64("ram_gb", snap.RAMGB),
		slog.Int("vram_mb", snap.VRAMTotalMB),
	)
	run.SetProgress(progressDetect, fmt.Sprintf("Detected VRAM: %d MB", snap.VRAMTotalMB))

	run.Profile = p.selectProfile(snap)
	run.SetProgress(progressProfile, "Selected profile: "+run.Profile.Name)
	run.SetProgress(progressProfile, fmt.Sprintf("Quality: %s (downscale %d)",
		strings.ToUpper(run.Profile.Quality), run.Profile.Downscale))

	chunkSize := hardware.ResolveChunkSize(p.cfg, p.chunkOverride, snap.VRAMTotalMB, snap.RAMGB)

	imageCount := project.CountImages(run.ImagePath)
	run.SetProgress(progressImageCount, fmt.Sprintf("Image count: %d", imageCount))

	if imageCount == 0 {
		return plan{}, &ValidationError{Reason: fmt.Sprintf("no images found in %s", run.ImagePath)}
	}

	err := run.Prepare()
	if err != nil {
		return plan{}, fmt.Errorf("prepare workspace: %w", err)
	}

	chunks, err := chunking.Split(run.ImagePath, run.ProjectPath, chunkSize)
	if err != nil {
		return plan{}, fmt.Errorf("split dataset: %w", err)
	}

	useChunking := len(chunks) > 1 || (len(chunks) == 1 && chunks[0] != run.ImagePath)

	run.SetProgress(progressChunking, "Chunking enabled: "+yesNo(useChunking))
	run.SetProgress(progressChunkTotal, fmt.Sprintf("Total chunks: %d", len(chunks)))

	p.metrics.AddChunks(ctx, len(chunks))
	span.SetAttributes(
		attribute.Int("prepare.images", imageCount),
		attribute.Int("prepare.chunks", len(chunks)),
	)

	return plan{chunks: chunks, useChunking: useChunking}, nil
}

// selectProfile picks the processing tier for the detected capacity,
// honoring a configured override, and stamps the quality downscale.
func (p *Pipeline) selectProfile(snap hardware.Snapshot) config.Profile {
	var profile config.Profile

	forced := strings.TrimSpace(p.cfg.ProfileOverride)
	if forced != "" {
		profile = hardware.ForcedProfile(p.cfg, forced)
		p.logger.Info("profile forced", slog.String("profile", profile.Name))
	} else {
		profile = hardware.SelectProfile(p.cfg, snap.VRAMTotalMB)
	}

	if config.ValidQuality(p.qualityOverride) {
		profile.Quality = p.qualityOverride
		profile.Downscale = config.DownscaleForQuality(p.qualityOverride)
	}

	if !config.ValidQuality(profile.Quality) {
		profile.Quality = config.RecommendQuality(snap.VRAMTotalMB)
	}

	if profile.Downscale <= 0 {
		profile.Downscale = config.DownscaleForQuality(profile.Quality)
	}

	return profile
}

// filterSparse announces the point filtering stage without running it.
// The external filter links against a different COLMAP ABI and damages
// every model it rewrites, so the stage stays disabled.
func (p *Pipeline) filterSparse(run *project.Context) {
	p.logger.Info("skipping sparse point filtering due to binary incompatibility")
	run.SetProgress(progressFilter, "Skipping filtering due to binary incompatibility")
}

// runGeospatial derives raster products when configured. Failures are
// reported but never fail the run; the reconstruction is already on disk.
func (p *Pipeline) runGeospatial(ctx context.Context, run *project.Context) {
	if !p.cfg.Geospatial.Enabled {
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.geospatial")
	defer span.End()

	started := time.Now()

	err := p.raster.Process(ctx, run)
	if err != nil {
		p.logger.Warn("geospatial processing failed", slog.Any("error", err))
		p.metrics.RecordStage(ctx, stageGeospatial, observability.StatusError, time.Since(started))

		return
	}

	p.metrics.RecordStage(ctx, stageGeospatial, observability.StatusOK, time.Since(started))
}

// subscribeStop maps stop events onto the run's cancel flag so any bus
// client can end the run.
func (p *Pipeline) subscribeStop(run *project.Context) *bus.Subscription {
	if p.bus == nil {
		return nil
	}

	return p.bus.Subscribe(bus.EventStopRequested, func(payload bus.Payload) {
		req, ok := payload.(bus.StopRequested)
		if !ok {
			return
		}

		p.logger.Info("stop requested", slog.String("reason", req.Reason))
		run.RequestStop()
	})
}

// subscribeVRAM feeds watchdog samples into the GPU usage gauge.
func (p *Pipeline) subscribeVRAM(ctx context.Context) *bus.Subscription {
	if p.bus == nil || p.metrics == nil {
		return nil
	}

	return p.bus.Subscribe(bus.EventVRAMSample, func(payload bus.Payload) {
		sample, ok := payload.(bus.VRAMSample)
		if !ok || sample.TotalMB <= 0 {
			return
		}

		p.metrics.RecordVRAMRatio(ctx, float64(sample.UsedMB)/float64(sample.TotalMB))
	})
}

// persistState re-saves the state document so the file reflects every
// flag marked before the run ended. Failures only warn; the original
// error matters more.
func (p *Pipeline) persistState(run *project.Context) {
	err := state.Save(run.ProjectPath, state.Load(run.ProjectPath))
	if err != nil {
		p.logger.Warn("state save at run end failed", slog.Any("error", err))
	}
}

func (p *Pipeline) publish(payload bus.Payload) {
	if p.bus != nil {
		p.bus.Emit(payload)
	}
}

// publishStageSkipped emits the started/completed pair for a stage
// satisfied by a previous run's validated output.
func (p *Pipeline) publishStageSkipped(stage string) {
	p.publish(bus.StageStarted{Stage: stage, Skipped: true})
	p.publish(bus.StageCompleted{Stage: stage, Skipped: true})
}

// announce carries a message on the progress stream without moving the
// progress fraction.
func announce(run *project.Context, message string) {
	run.SetProgress(run.Progress, message)
}

func yesNo(v bool) string {
	if v {
		return "YES"
	}

	return "NO"
}
