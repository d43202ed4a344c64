// Package colmap drives the COLMAP photogrammetry toolchain. Each stage
// builds one argv and hands it to the subprocess wrapper; profile values
// are clamped to hard engine limits before use.
package colmap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/proc"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

const (
	// BinaryEnv overrides the colmap executable path.
	BinaryEnv = "MAPFREE_COLMAP_BIN"

	defaultBinary = "colmap"

	// Hard caps layered over profile values. COLMAP handles larger inputs
	// but consumer GPUs do not.
	maxImageSizeCap = 1600
	maxFeaturesCap  = 8000

	stageTimeout = time.Hour
	stageRetries = 2

	toolTimeout = 5 * time.Minute
)

// Engine invokes COLMAP binaries for every reconstruction stage plus the
// model merge and export tools.
type Engine struct {
	binary string
	cfg    *config.Config
	logger *slog.Logger
}

// New builds a COLMAP engine. The binary resolves from MAPFREE_COLMAP_BIN,
// falling back to "colmap" on PATH.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}

	if logger == nil {
		logger = slog.Default()
	}

	binary := os.Getenv(BinaryEnv)
	if binary == "" {
		binary = defaultBinary
	}

	return &Engine{binary: binary, cfg: cfg, logger: logger}
}

// Name implements the engine interface.
func (e *Engine) Name() string { return "colmap" }

// FeatureExtraction detects keypoints for every image into the feature
// database.
func (e *Engine) FeatureExtraction(ctx context.Context, run *project.Context) error {
	err := os.MkdirAll(filepath.Dir(run.DatabasePath), 0o755)
	if err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}

	maxSize := min(orDefault(run.Profile.MaxImageSize, 2000), maxImageSizeCap)
	maxFeatures := min(orDefault(run.Profile.MaxFeatures, 8192), maxFeaturesCap)

	args := []string{
		e.binary, "feature_extractor",
		"--database_path", run.DatabasePath,
		"--image_path", run.ImagePath,
		"--ImageReader.single_camera", "1",
		"--ImageReader.camera_model", "OPENCV",
		"--SiftExtraction.max_image_size", strconv.Itoa(maxSize),
		"--SiftExtraction.max_num_features", strconv.Itoa(maxFeatures),
		"--SiftExtraction.use_gpu", gpuFlag(run.Profile.UseGPU),
	}

	return e.run(ctx, run, "feature_extraction", args)
}

// Matching matches features across images using the profile's strategy.
func (e *Engine) Matching(ctx context.Context, run *project.Context) error {
	matcher := "exhaustive_matcher"
	if run.Profile.Matcher == "sequential" {
		matcher = "sequential_matcher"
	}

	args := []string{
		e.binary, matcher,
		"--database_path", run.DatabasePath,
		"--SiftMatching.use_gpu", gpuFlag(run.Profile.UseGPU),
	}

	return e.run(ctx, run, "matching", args)
}

// Sparse runs incremental mapping into the sparse output directory.
func (e *Engine) Sparse(ctx context.Context, run *project.Context) error {
	err := os.MkdirAll(run.SparsePath, 0o755)
	if err != nil {
		return fmt.Errorf("create sparse dir: %w", err)
	}

	args := []string{
		e.binary, "mapper",
		"--database_path", run.DatabasePath,
		"--image_path", run.ImagePath,
		"--output_path", run.SparsePath,
		"--Mapper.ba_global_max_num_iterations", strconv.Itoa(e.cfg.Colmap.MapperBAGlobalMaxIter),
		"--Mapper.ba_local_max_num_iterations", strconv.Itoa(e.cfg.Colmap.MapperBALocalMaxIter),
	}

	return e.run(ctx, run, "sparse", args)
}

// Dense undistorts images, runs patch-match stereo, and fuses the depth
// maps into dense/fused.ply. Stereo is the GPU-bound call; it runs under
// the VRAM watchdog when vramWatch is set.
func (e *Engine) Dense(ctx context.Context, run *project.Context, vramWatch bool) error {
	sparseDir := run.SparsePath
	if project.FileValid(filepath.Join(sparseDir, "0", project.CamerasFile)) {
		sparseDir = filepath.Join(sparseDir, "0")
	}

	err := os.MkdirAll(run.DensePath, 0o755)
	if err != nil {
		return fmt.Errorf("create dense dir: %w", err)
	}

	maxSize := min(orDefault(run.Profile.MaxImageSize, 800), maxImageSizeCap)

	gpuIndex := "-1"
	if run.Profile.UseGPU {
		gpuIndex = "0"
	}

	err = e.run(ctx, run, "dense", []string{
		e.binary, "image_undistorter",
		"--image_path", run.ImagePath,
		"--input_path", sparseDir,
		"--output_path", run.DensePath,
		"--output_type", "COLMAP",
	})
	if err != nil {
		return err
	}

	stereo := []string{
		e.binary, "patch_match_stereo",
		"--workspace_path", run.DensePath,
		"--workspace_format", "COLMAP",
		"--PatchMatchStereo.gpu_index", gpuIndex,
		"--PatchMatchStereo.max_image_size", strconv.Itoa(maxSize),
		"--PatchMatchStereo.cache_size", "8",
		"--PatchMatchStereo.window_step", "2",
		"--PatchMatchStereo.geom_consistency", "0",
	}

	if vramWatch {
		err = proc.RunWatched(ctx, e.options(run, "dense", stereo), e.watchConfig(run))
	} else {
		err = e.run(ctx, run, "dense", stereo)
	}

	if err != nil {
		return err
	}

	return e.run(ctx, run, "dense", []string{
		e.binary, "stereo_fusion",
		"--workspace_path", run.DensePath,
		"--workspace_format", "COLMAP",
		"--input_type", "geometric",
		"--output_path", filepath.Join(run.DensePath, project.FusedPointCloud),
		"--StereoFusion.max_image_size", strconv.Itoa(maxSize),
	})
}

// MergeModels merges two sparse models into output via model_merger.
func (e *Engine) MergeModels(ctx context.Context, run *project.Context, input1, input2, output string) error {
	opts := e.options(run, "merge", []string{
		e.binary, "model_merger",
		"--input_path1", input1,
		"--input_path2", input2,
		"--output_path", output,
	})
	opts.Timeout = toolTimeout
	opts.Retries = 0

	return proc.Run(ctx, opts)
}

// ConvertModel exports a sparse model directory to a PLY point cloud.
func (e *Engine) ConvertModel(ctx context.Context, run *project.Context, inputDir, outputFile string) error {
	err := os.MkdirAll(filepath.Dir(outputFile), 0o755)
	if err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	opts := e.options(run, "export", []string{
		e.binary, "model_converter",
		"--input_path", inputDir,
		"--output_path", outputFile,
		"--output_type", "PLY",
	})
	opts.Dir = filepath.Dir(inputDir)
	opts.Timeout = toolTimeout
	opts.Retries = 0

	return proc.Run(ctx, opts)
}

func (e *Engine) run(ctx context.Context, run *project.Context, stage string, args []string) error {
	return proc.Run(ctx, e.options(run, stage, args))
}

// options wires one invocation into the run: per-stage log under the
// project workspace, the cooperative stop flag, and live line republishing
// on the event bus.
func (e *Engine) options(run *project.Context, stage string, args []string) proc.Options {
	return proc.Options{
		Args:      args,
		Workspace: run.ProjectPath,
		Stage:     stage,
		Env:       ompEnv(),
		Timeout:   stageTimeout,
		Retries:   stageRetries,
		Stop:      run.Stopped,
		OnLine:    engineLogLine(run, e.Name()),
		Logger:    e.logger,
	}
}

func (e *Engine) watchConfig(run *project.Context) proc.WatchConfig {
	return proc.WatchConfig{
		Threshold:    e.cfg.VRAMWatchdog.Threshold,
		PollInterval: e.cfg.VRAMWatchdog.PollInterval,
		OnSample: func(usedMB, totalMB int) {
			if run.Bus != nil {
				run.Bus.Emit(bus.VRAMSample{UsedMB: usedMB, TotalMB: totalMB})
			}
		},
	}
}

// engineLogLine republishes tool output lines on the event bus.
func engineLogLine(run *project.Context, engine string) func(string) {
	if run.Bus == nil {
		return nil
	}

	return func(line string) {
		run.Bus.Emit(bus.EngineLog{Engine: engine, Line: line})
	}
}

// ompEnv caps OpenMP thread fan-out unless the caller already set it.
func ompEnv() []string {
	if os.Getenv("OMP_NUM_THREADS") != "" {
		return nil
	}

	return []string{"OMP_NUM_THREADS=4"}
}

func gpuFlag(useGPU bool) string {
	if useGPU {
		return "1"
	}

	return "0"
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}

	return fallback
}
