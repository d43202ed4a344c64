// Package openmvs provides the OpenMVS dense backend. The sparse phase
// always runs on COLMAP; this engine takes over at the dense stage with
// the scene-import, densify, mesh, refine and texture chain, and exports
// the densified point cloud to the canonical dense/fused.ply location so
// downstream validation and geospatial stages work unchanged.
package openmvs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/engine/colmap"
	"github.com/Sumatoshi-tech/mapfree/internal/proc"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

// BinDirEnv points at a directory holding the OpenMVS executables. When
// unset or the binary is absent there, PATH lookup applies.
const BinDirEnv = "MAPFREE_OPENMVS_BIN_DIR"

const (
	outputDirName = "openmvs"

	stepTimeout = 2 * time.Hour
)

// Engine runs the OpenMVS chain for the dense stage and delegates the
// sparse phase to COLMAP.
type Engine struct {
	base   *colmap.Engine
	cfg    *config.Config
	logger *slog.Logger
}

// New builds an OpenMVS engine on top of a COLMAP engine for the sparse
// phase and the model merge/export tools.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{base: colmap.New(cfg, logger), cfg: cfg, logger: logger}
}

// Name implements the engine interface.
func (e *Engine) Name() string { return "openmvs" }

// FeatureExtraction delegates to COLMAP.
func (e *Engine) FeatureExtraction(ctx context.Context, run *project.Context) error {
	return e.base.FeatureExtraction(ctx, run)
}

// Matching delegates to COLMAP.
func (e *Engine) Matching(ctx context.Context, run *project.Context) error {
	return e.base.Matching(ctx, run)
}

// Sparse delegates to COLMAP.
func (e *Engine) Sparse(ctx context.Context, run *project.Context) error {
	return e.base.Sparse(ctx, run)
}

// MergeModels delegates to the COLMAP merge tool.
func (e *Engine) MergeModels(ctx context.Context, run *project.Context, input1, input2, output string) error {
	return e.base.MergeModels(ctx, run, input1, input2, output)
}

// ConvertModel delegates to the COLMAP export tool.
func (e *Engine) ConvertModel(ctx context.Context, run *project.Context, inputDir, outputFile string) error {
	return e.base.ConvertModel(ctx, run, inputDir, outputFile)
}

// Dense imports the reconstruction into an OpenMVS scene, densifies it,
// reconstructs, refines and textures the mesh under project/openmvs, then
// copies the densified cloud to dense/fused.ply. Densification is the
// GPU-bound step and runs under the watchdog when vramWatch is set.
func (e *Engine) Dense(ctx context.Context, run *project.Context, vramWatch bool) error {
	mvsDir := filepath.Join(run.ProjectPath, outputDirName)

	for _, dir := range []string{mvsDir, run.DensePath} {
		err := os.MkdirAll(dir, 0o755)
		if err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	scene := filepath.Join(mvsDir, "scene.mvs")
	sceneDense := filepath.Join(mvsDir, "scene_dense.mvs")
	sceneDensePly := filepath.Join(mvsDir, "scene_dense.ply")
	mesh := filepath.Join(mvsDir, "scene_mesh.ply")
	refined := filepath.Join(mvsDir, "scene_mesh_refine.mvs")
	refinedPly := filepath.Join(mvsDir, "scene_mesh_refine.ply")
	textured := filepath.Join(mvsDir, "scene_textured.mvs")

	input, imageDir, err := colmapInput(run)
	if err != nil {
		return err
	}

	err = e.step(ctx, run, "openmvs_interface", []string{
		resolveBinary("InterfaceCOLMAP"),
		"-i", input,
		"-o", scene,
		"--image-folder", imageDir,
	}, false)
	if err != nil {
		return err
	}

	if !project.FileValid(scene) {
		return fmt.Errorf("InterfaceCOLMAP did not produce %s", scene)
	}

	err = e.step(ctx, run, "openmvs_densify", []string{
		resolveBinary("DensifyPointCloud"),
		scene,
		"-o", sceneDense,
		"--resolution-level", "2",
	}, vramWatch)
	if err != nil {
		return err
	}

	if !project.FileValid(sceneDense) {
		return fmt.Errorf("DensifyPointCloud did not produce %s", sceneDense)
	}

	err = e.step(ctx, run, "openmvs_mesh", []string{
		resolveBinary("ReconstructMesh"),
		sceneDense,
		"-p", mesh,
	}, false)
	if err != nil {
		return err
	}

	if !project.FileValid(mesh) {
		return fmt.Errorf("ReconstructMesh did not produce %s", mesh)
	}

	err = e.step(ctx, run, "openmvs_refine", []string{
		resolveBinary("RefineMesh"),
		sceneDense,
		"-m", mesh,
		"-o", refined,
	}, false)
	if err != nil {
		return err
	}

	if !project.FileValid(refined) {
		return fmt.Errorf("RefineMesh did not produce %s", refined)
	}

	meshForTexture := mesh
	if project.FileValid(refinedPly) {
		meshForTexture = refinedPly
	}

	err = e.step(ctx, run, "openmvs_texture", []string{
		resolveBinary("TextureMesh"),
		refined,
		"-m", meshForTexture,
		"-o", textured,
	}, false)
	if err != nil {
		return err
	}

	return e.exportFused(run, sceneDensePly)
}

// exportFused places the densified cloud at the canonical dense output
// path. A missing export is not fatal; the dense stage simply will not
// validate and reruns next time.
func (e *Engine) exportFused(run *project.Context, sceneDensePly string) error {
	if !project.FileValid(sceneDensePly) {
		e.logger.Warn("densify produced no point cloud export", slog.String("path", sceneDensePly))

		return nil
	}

	err := project.CopyFile(sceneDensePly, filepath.Join(run.DensePath, project.FusedPointCloud))
	if err != nil {
		return fmt.Errorf("export fused point cloud: %w", err)
	}

	return nil
}

func (e *Engine) step(ctx context.Context, run *project.Context, stage string, args []string, watched bool) error {
	opts := proc.Options{
		Args:      args,
		Workspace: run.ProjectPath,
		Stage:     stage,
		Timeout:   stepTimeout,
		Stop:      run.Stopped,
		Logger:    e.logger,
	}

	if run.Bus != nil {
		opts.OnLine = func(line string) {
			run.Bus.Emit(bus.EngineLog{Engine: e.Name(), Line: line})
		}
	}

	if watched {
		watch := proc.WatchConfig{
			Threshold:    e.cfg.VRAMWatchdog.Threshold,
			PollInterval: e.cfg.VRAMWatchdog.PollInterval,
		}

		if run.Bus != nil {
			watch.OnSample = func(usedMB, totalMB int) {
				run.Bus.Emit(bus.VRAMSample{UsedMB: usedMB, TotalMB: totalMB})
			}
		}

		return proc.RunWatched(ctx, opts, watch)
	}

	return proc.Run(ctx, opts)
}

// colmapInput resolves the scene import source: undistorted dense output
// when present, otherwise the sparse model with the original images.
func colmapInput(run *project.Context) (string, string, error) {
	denseImages := filepath.Join(run.DensePath, "images")

	info, err := os.Stat(denseImages)
	if err == nil && info.IsDir() {
		return run.DensePath, denseImages, nil
	}

	sparseDir := run.SparsePath

	nested := filepath.Join(sparseDir, "0")

	_, err = os.Stat(nested)
	if err == nil {
		sparseDir = nested
	}

	_, err = os.Stat(sparseDir)
	if err != nil {
		return "", "", fmt.Errorf("no reconstruction output for scene import: dense %s or sparse %s", run.DensePath, run.SparsePath)
	}

	return sparseDir, run.ImagePath, nil
}

// resolveBinary locates an OpenMVS executable: the configured bin dir
// first, then PATH, then the bare name.
func resolveBinary(name string) string {
	binDir := strings.TrimSpace(os.Getenv(BinDirEnv))
	if binDir != "" {
		p := filepath.Join(binDir, name)

		_, err := os.Stat(p)
		if err == nil {
			return p
		}
	}

	found, err := exec.LookPath(name)
	if err == nil {
		return found
	}

	return name
}
