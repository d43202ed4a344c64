package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/Sumatoshi-tech/mapfree/internal/chunking"
	"github.com/Sumatoshi-tech/mapfree/internal/engine"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/internal/state"
	"github.com/Sumatoshi-tech/mapfree/pkg/observability"
)

// Final results artifact names under the final_results directory.
const (
	// SparseExportName is the exported sparse point cloud.
	SparseExportName = "sparse.ply"

	// DenseExportName is the copied dense point cloud.
	DenseExportName = "dense.ply"
)

// postProcess exports the final results and clears the state file once
// every completion step is accounted for. Export failures only warn: the
// raw model directories still hold everything the export would copy.
func (p *Pipeline) postProcess(ctx context.Context, run *project.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.post_process")
	defer span.End()

	if project.SparseModelValid(run.SparsePath) {
		started := time.Now()

		err := p.exportFinalResults(ctx, run)
		if err != nil {
			p.logger.Warn("final results export failed", slog.Any("error", err))
			announce(run, fmt.Sprintf("Final results export skipped: %v", err))
			p.metrics.RecordStage(ctx, stageExport, observability.StatusError, time.Since(started))
		} else {
			announce(run, "Final sparse exported to "+run.FinalResultsPath)
			p.metrics.RecordStage(ctx, stageExport, observability.StatusOK, time.Since(started))
		}
	}

	doc := state.Load(run.ProjectPath)
	if doc.CompletionDone() {
		err := state.Reset(run.ProjectPath)
		if err != nil {
			return err
		}

		announce(run, "[RESUME] State file removed (all steps complete)")
	}

	return nil
}

// exportFinalResults gathers the deliverables into final_results: the
// sparse model files, a point-cloud export of the sparse model, and the
// fused dense cloud when one exists.
func (p *Pipeline) exportFinalResults(ctx context.Context, run *project.Context) error {
	if !project.SparseModelValid(run.SparsePath) {
		return fmt.Errorf("sparse model at %s is incomplete", run.SparsePath)
	}

	sparseOut := filepath.Join(run.FinalResultsPath, project.SparseDirName)

	err := os.MkdirAll(sparseOut, 0o755)
	if err != nil {
		return fmt.Errorf("create final results dir: %w", err)
	}

	err = chunking.CopyModelFiles(run.SparsePath, sparseOut)
	if err != nil {
		return err
	}

	if converter, ok := p.eng.(engine.ModelConverter); ok {
		err = converter.ConvertModel(ctx, run, run.SparsePath, filepath.Join(run.FinalResultsPath, SparseExportName))
		if err != nil {
			return fmt.Errorf("export sparse point cloud: %w", err)
		}
	}

	fused := filepath.Join(run.DensePath, project.FusedPointCloud)

	info, err := os.Stat(fused)
	if err != nil {
		return nil
	}

	if info.Size() < emptyFusionBytes {
		p.logger.Warn("exporting dense point cloud that looks empty",
			slog.Int64("bytes", info.Size()),
		)
	}

	err = project.CopyFile(fused, filepath.Join(run.FinalResultsPath, DenseExportName))
	if err != nil {
		return fmt.Errorf("copy dense point cloud: %w", err)
	}

	return nil
}
