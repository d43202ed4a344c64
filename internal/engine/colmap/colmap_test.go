package colmap_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/engine/colmap"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

// newEchoRun points the engine at /bin/echo so every stage invocation
// succeeds and its full argv lands in the stage log.
func newEchoRun(t *testing.T, profile config.Profile) (*colmap.Engine, *project.Context) {
	t.Helper()
	t.Setenv(colmap.BinaryEnv, "/bin/echo")

	run := project.New(t.TempDir(), t.TempDir(), profile, nil, nil)
	require.NoError(t, run.Prepare())

	return colmap.New(config.Default(), nil), run
}

func stageLog(t *testing.T, run *project.Context, stage string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(run.ProjectPath, "logs", stage+".log"))
	require.NoError(t, err)

	return string(data)
}

func TestFeatureExtraction_ClampsProfileValuesToEngineLimits(t *testing.T) {
	eng, run := newEchoRun(t, config.Profile{
		Name:         config.TierHigh,
		Matcher:      "sequential",
		MaxImageSize: 3200,
		MaxFeatures:  16384,
		UseGPU:       true,
	})

	err := eng.FeatureExtraction(context.Background(), run)
	require.NoError(t, err)

	logText := stageLog(t, run, "feature_extraction")
	assert.Contains(t, logText, "feature_extractor")
	assert.Contains(t, logText, "--database_path "+run.DatabasePath)
	assert.Contains(t, logText, "--ImageReader.single_camera 1")
	assert.Contains(t, logText, "--ImageReader.camera_model OPENCV")
	assert.Contains(t, logText, "--SiftExtraction.max_image_size 1600")
	assert.Contains(t, logText, "--SiftExtraction.max_num_features 8000")
	assert.Contains(t, logText, "--SiftExtraction.use_gpu 1")
}

func TestMatching_SelectsMatcherFromProfile(t *testing.T) {
	eng, run := newEchoRun(t, config.Profile{Matcher: "sequential", UseGPU: true})

	err := eng.Matching(context.Background(), run)
	require.NoError(t, err)

	logText := stageLog(t, run, "matching")
	assert.Contains(t, logText, "sequential_matcher")
	assert.Contains(t, logText, "--SiftMatching.use_gpu 1")
}

func TestMatching_DefaultsToExhaustiveWithoutGPU(t *testing.T) {
	eng, run := newEchoRun(t, config.Profile{Matcher: "exhaustive"})

	err := eng.Matching(context.Background(), run)
	require.NoError(t, err)

	logText := stageLog(t, run, "matching")
	assert.Contains(t, logText, "exhaustive_matcher")
	assert.Contains(t, logText, "--SiftMatching.use_gpu 0")
}

func TestSparse_PassesMapperIterationBudgets(t *testing.T) {
	eng, run := newEchoRun(t, config.Profile{UseGPU: true})

	err := eng.Sparse(context.Background(), run)
	require.NoError(t, err)

	logText := stageLog(t, run, "sparse")
	assert.Contains(t, logText, "mapper")
	assert.Contains(t, logText, "--output_path "+run.SparsePath)
	assert.Contains(t, logText, "--Mapper.ba_global_max_num_iterations 30")
	assert.Contains(t, logText, "--Mapper.ba_local_max_num_iterations 20")
}

func TestDense_RunsUndistortStereoFusionAgainstNestedModel(t *testing.T) {
	eng, run := newEchoRun(t, config.Profile{UseGPU: true})

	nested := filepath.Join(run.SparsePath, "0")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	err := os.WriteFile(filepath.Join(nested, "cameras.bin"), []byte("cams"), 0o644)
	require.NoError(t, err)

	err = eng.Dense(context.Background(), run, false)
	require.NoError(t, err)

	logText := stageLog(t, run, "dense")
	assert.Contains(t, logText, "image_undistorter")
	assert.Contains(t, logText, "--input_path "+nested)
	assert.Contains(t, logText, "patch_match_stereo")
	assert.Contains(t, logText, "--PatchMatchStereo.gpu_index 0")
	assert.Contains(t, logText, "--PatchMatchStereo.max_image_size 800")
	assert.Contains(t, logText, "stereo_fusion")
	assert.Contains(t, logText, "--output_path "+filepath.Join(run.DensePath, "fused.ply"))
}

func TestDense_UsesProfileImageSizeAndCPUIndex(t *testing.T) {
	eng, run := newEchoRun(t, config.Profile{MaxImageSize: 1200})

	err := eng.Dense(context.Background(), run, false)
	require.NoError(t, err)

	logText := stageLog(t, run, "dense")
	assert.Contains(t, logText, "--PatchMatchStereo.gpu_index -1")
	assert.Contains(t, logText, "--PatchMatchStereo.max_image_size 1200")
	assert.Contains(t, logText, "--StereoFusion.max_image_size 1200")
}

func TestMergeModels_InvokesModelMerger(t *testing.T) {
	eng, run := newEchoRun(t, config.Profile{})

	err := eng.MergeModels(context.Background(), run, "/a", "/b", "/out")
	require.NoError(t, err)

	logText := stageLog(t, run, "merge")
	assert.Contains(t, logText, "model_merger")
	assert.Contains(t, logText, "--input_path1 /a")
	assert.Contains(t, logText, "--input_path2 /b")
	assert.Contains(t, logText, "--output_path /out")
}

func TestConvertModel_ExportsPLY(t *testing.T) {
	eng, run := newEchoRun(t, config.Profile{})

	out := filepath.Join(run.FinalResultsPath, "sparse.ply")

	err := eng.ConvertModel(context.Background(), run, run.SparsePath, out)
	require.NoError(t, err)

	logText := stageLog(t, run, "export")
	assert.Contains(t, logText, "model_converter")
	assert.Contains(t, logText, "--output_type PLY")
	assert.Contains(t, logText, "--output_path "+out)
}

func TestFeatureExtraction_RepublishesLinesOnBus(t *testing.T) {
	t.Setenv(colmap.BinaryEnv, "/bin/echo")

	eventBus := bus.New(nil)

	var lines []bus.EngineLog

	eventBus.Subscribe(bus.EventEngineLog, func(p bus.Payload) {
		lines = append(lines, p.(bus.EngineLog))
	})

	run := project.New(t.TempDir(), t.TempDir(), config.Profile{UseGPU: true}, eventBus, nil)
	require.NoError(t, run.Prepare())

	eng := colmap.New(config.Default(), nil)

	err := eng.FeatureExtraction(context.Background(), run)
	require.NoError(t, err)

	require.NotEmpty(t, lines)
	assert.Equal(t, "colmap", lines[0].Engine)
	assert.Contains(t, lines[0].Line, "feature_extractor")
}
