package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/chunking"
	"github.com/Sumatoshi-tech/mapfree/internal/colmapdb"
	"github.com/Sumatoshi-tech/mapfree/internal/engine"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/internal/state"
	"github.com/Sumatoshi-tech/mapfree/pkg/observability"
)

// runSparse dispatches the sparse phase to the chunked or single-dataset
// path. Both leave run.SparsePath pointing at the directory that holds
// the final model files.
func (p *Pipeline) runSparse(ctx context.Context, run *project.Context, layout plan) error {
	if layout.useChunking {
		return p.runChunkedSparse(ctx, run, layout.chunks)
	}

	return p.runSingleSparse(ctx, run)
}

// runSingleSparse runs feature extraction, matching, and mapping against
// the whole image set. Feature extraction and matching resume on their
// state flags alone; mapping additionally requires a valid model on disk.
func (p *Pipeline) runSingleSparse(ctx context.Context, run *project.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.sparse",
		trace.WithAttributes(attribute.Bool("sparse.chunked", false)))
	defer span.End()

	ran, err := p.step(ctx, run, state.StepFeatureExtraction, "feature_extraction", progressFeatures,
		state.IsStepDone(run.ProjectPath, state.StepFeatureExtraction),
		func() error { return p.eng.FeatureExtraction(ctx, run) })
	if err != nil {
		return err
	}

	if ran {
		err = state.MarkStepDone(run.ProjectPath, state.StepFeatureExtraction)
		if err != nil {
			return err
		}

		p.logFeatureStats(ctx, run)
	}

	if run.Stopped() {
		return stopError()
	}

	ran, err = p.step(ctx, run, state.StepMatching, "matching", progressMatching,
		state.IsStepDone(run.ProjectPath, state.StepMatching),
		func() error { return p.eng.Matching(ctx, run) })
	if err != nil {
		return err
	}

	if ran {
		err = state.MarkStepDone(run.ProjectPath, state.StepMatching)
		if err != nil {
			return err
		}
	}

	if run.Stopped() {
		return stopError()
	}

	modelDir := sparseModelDir(run.SparsePath)
	done := state.IsStepDone(run.ProjectPath, state.StepSparse) && project.SparseModelValid(modelDir)

	ran, err = p.step(ctx, run, state.StepSparse, "sparse reconstruction", progressSparse, done,
		func() error { return p.eng.Sparse(ctx, run) })
	if err != nil {
		return err
	}

	modelDir = sparseModelDir(run.SparsePath)

	if ran && project.SparseModelValid(modelDir) {
		err = state.MarkStepDone(run.ProjectPath, state.StepSparse)
		if err != nil {
			return err
		}
	}

	run.SparsePath = modelDir

	return nil
}

// runChunkedSparse reconstructs each chunk independently, then merges the
// per-chunk models into one frame. The phase flags are marked only once
// the merged model validates, so a failed merge reruns on resume.
func (p *Pipeline) runChunkedSparse(ctx context.Context, run *project.Context, chunks []string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.sparse",
		trace.WithAttributes(
			attribute.Bool("sparse.chunked", true),
			attribute.Int("sparse.chunks", len(chunks)),
		))
	defer span.End()

	mergedModel := filepath.Join(run.MergedSparsePath, "0")

	if sparsePhaseDone(run.ProjectPath, mergedModel) {
		announce(run, "[RESUME] Skipping feature extraction (all chunks done)")
		announce(run, "[RESUME] Skipping matching (all chunks done)")
		announce(run, "[RESUME] Skipping sparse mapping (all chunks done)")
		p.publishStageSkipped(state.StepSparse)
		p.metrics.RecordStage(ctx, state.StepSparse, observability.StatusSkipped, 0)

		run.SparsePath = mergedModel

		return nil
	}

	p.publish(bus.StageStarted{Stage: state.StepSparse})

	started := time.Now()
	total := len(chunks)
	collected := make([]string, 0, total)

	for index, chunkPath := range chunks {
		if run.Stopped() {
			return stopError()
		}

		name := filepath.Base(chunkPath)
		model := filepath.Join(chunkPath, project.SparseDirName, "0")

		if chunkMappingDone(run.ProjectPath, name, model) {
			announce(run, fmt.Sprintf("[RESUME] Skipping chunk %s (mapping done)", name))
			collected = append(collected, model)

			continue
		}

		dir, err := p.processChunk(ctx, run, name, chunkPath, index, total)
		if err != nil {
			p.metrics.RecordStage(ctx, state.StepSparse, observability.StatusError, time.Since(started))

			return err
		}

		collected = append(collected, dir)
	}

	run.SetProgress(progressMerge, "Merging sparse models")

	merged, err := chunking.Merge(ctx, run.ProjectPath, collected, p.mergeFunc(run))
	if err != nil {
		p.metrics.RecordStage(ctx, state.StepSparse, observability.StatusError, time.Since(started))

		return fmt.Errorf("merge sparse models: %w", err)
	}

	run.SparsePath = merged
	p.logger.Info("final sparse output", slog.String("path", merged))

	if project.SparseModelValid(merged) {
		for _, step := range []string{state.StepFeatureExtraction, state.StepMatching, state.StepSparse} {
			err = state.MarkStepDone(run.ProjectPath, step)
			if err != nil {
				return err
			}
		}
	}

	p.publish(bus.StageCompleted{Stage: state.StepSparse})
	p.metrics.RecordStage(ctx, state.StepSparse, observability.StatusOK, time.Since(started))

	return nil
}

// processChunk runs the three per-chunk steps inside the chunk's own
// workspace, resuming each on its chunk flag. It returns the directory
// holding the chunk's model.
func (p *Pipeline) processChunk(
	ctx context.Context,
	run *project.Context,
	name, chunkPath string,
	index, total int,
) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.chunk",
		trace.WithAttributes(
			attribute.String("chunk.name", name),
			attribute.Int("chunk.index", index+1),
			attribute.Int("chunk.total", total),
		))
	defer span.End()

	chunkRun := run.NewChild(chunkPath, chunkPath)

	err := chunkRun.Prepare()
	if err != nil {
		return "", fmt.Errorf("prepare chunk %s: %w", name, err)
	}

	position := fmt.Sprintf("%d/%d", index+1, total)

	if state.IsChunkStepDone(run.ProjectPath, name, state.StepFeatureExtraction) {
		announce(run, fmt.Sprintf("[RESUME] Chunk %s: feature_extraction done", name))
	} else {
		run.SetProgress(chunkProgress(index, total), fmt.Sprintf("[RUNNING] Chunk %s: feature extraction", position))

		err = p.eng.FeatureExtraction(ctx, chunkRun)
		if err != nil {
			return "", err
		}

		err = state.MarkChunkStepDone(run.ProjectPath, name, state.StepFeatureExtraction)
		if err != nil {
			return "", err
		}

		p.logFeatureStats(ctx, chunkRun)
	}

	if state.IsChunkStepDone(run.ProjectPath, name, state.StepMatching) {
		announce(run, fmt.Sprintf("[RESUME] Chunk %s: matching done", name))
	} else {
		announce(run, fmt.Sprintf("[RUNNING] Chunk %s: matching", position))

		err = p.eng.Matching(ctx, chunkRun)
		if err != nil {
			return "", err
		}

		err = state.MarkChunkStepDone(run.ProjectPath, name, state.StepMatching)
		if err != nil {
			return "", err
		}
	}

	if state.IsChunkStepDone(run.ProjectPath, name, state.StepMapping) {
		announce(run, fmt.Sprintf("[RESUME] Chunk %s: mapping done", name))

		return sparseModelDir(chunkRun.SparsePath), nil
	}

	announce(run, fmt.Sprintf("[RUNNING] Chunk %s: mapper", position))

	err = p.eng.Sparse(ctx, chunkRun)
	if err != nil {
		return "", err
	}

	dir := sparseModelDir(chunkRun.SparsePath)

	if project.SparseModelValid(dir) {
		err = state.MarkChunkStepDone(run.ProjectPath, name, state.StepMapping)
		if err != nil {
			return "", err
		}
	}

	return dir, nil
}

// step runs one top-level step unless done proves a previous run already
// finished it. It reports whether the step actually executed so callers
// decide when to mark state.
func (p *Pipeline) step(
	ctx context.Context,
	run *project.Context,
	name, label string,
	fraction float64,
	done bool,
	fn func() error,
) (bool, error) {
	if done {
		announce(run, "[RESUME] Skipping "+label)
		p.publishStageSkipped(name)
		p.metrics.RecordStage(ctx, name, observability.StatusSkipped, 0)

		return false, nil
	}

	run.SetProgress(fraction, "[RUNNING] "+label)
	p.publish(bus.StageStarted{Stage: name})

	started := time.Now()

	err := fn()
	if err != nil {
		p.metrics.RecordStage(ctx, name, observability.StatusError, time.Since(started))

		return false, err
	}

	p.publish(bus.StageCompleted{Stage: name})
	p.metrics.RecordStage(ctx, name, observability.StatusOK, time.Since(started))

	return true, nil
}

// mergeFunc adapts the engine's model merger for the chunk reducer.
func (p *Pipeline) mergeFunc(run *project.Context) chunking.MergeFunc {
	merger, ok := p.eng.(engine.ModelMerger)
	if !ok {
		return func(context.Context, string, string, string) error {
			return fmt.Errorf("engine %s cannot merge sparse models", p.eng.Name())
		}
	}

	return func(ctx context.Context, input1, input2, output string) error {
		return merger.MergeModels(ctx, run, input1, input2, output)
	}
}

// logFeatureStats logs a feature database summary after extraction. An
// unreadable database only warns; the matcher surfaces real problems.
func (p *Pipeline) logFeatureStats(ctx context.Context, run *project.Context) {
	stats, err := colmapdb.ReadStats(ctx, run.DatabasePath)
	if err != nil {
		p.logger.Warn("feature database stats unavailable", slog.Any("error", err))

		return
	}

	p.logger.Info("feature database",
		slog.Int("images", stats.Images),
		slog.Int64("keypoints", stats.Keypoints),
	)
}

// sparseModelDir resolves where the mapper actually wrote the model:
// engines emit either dir/0 or dir itself.
func sparseModelDir(dir string) string {
	nested := filepath.Join(dir, "0")

	_, err := os.Stat(nested)
	if err == nil {
		return nested
	}

	return dir
}

// sparsePhaseDone reports whether a previous run finished the whole
// chunked sparse phase: all three flags plus a valid merged model.
func sparsePhaseDone(dir, mergedModel string) bool {
	return state.IsStepDone(dir, state.StepFeatureExtraction) &&
		state.IsStepDone(dir, state.StepMatching) &&
		state.IsStepDone(dir, state.StepSparse) &&
		project.SparseModelValid(mergedModel)
}

// chunkMappingDone reports whether one chunk's mapping flag is set and
// its model is still on disk.
func chunkMappingDone(dir, chunk, model string) bool {
	return state.IsChunkStepDone(dir, chunk, state.StepMapping) && project.SparseModelValid(model)
}

// chunkProgress spreads per-chunk progress across the sparse window.
func chunkProgress(index, total int) float64 {
	return progressChunkBase + progressChunkSpan*float64(index)/float64(max(total, 1))
}
