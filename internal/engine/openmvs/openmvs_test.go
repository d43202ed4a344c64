package openmvs_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/mapfree/internal/engine/colmap"
	"github.com/Sumatoshi-tech/mapfree/internal/engine/openmvs"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

// outFlagScript fakes an OpenMVS binary: it scans argv for the output
// flag and creates that file so the next step's existence check passes.
const outFlagScript = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    %s) out="$2"; shift ;;
  esac
  shift
done
echo fake > "$out"
%s`

func writeFakeBinaries(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	flags := map[string]string{
		"InterfaceCOLMAP":   "-o",
		"DensifyPointCloud": "-o",
		"ReconstructMesh":   "-p",
		"RefineMesh":        "-o",
		"TextureMesh":       "-o",
	}

	for name, flag := range flags {
		extra := ""
		if name == "DensifyPointCloud" {
			extra = `echo fake > "${out%.mvs}.ply"` + "\n"
		}

		script := fmt.Sprintf(outFlagScript, flag, extra)

		err := os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755)
		require.NoError(t, err)
	}

	return dir
}

func TestDense_RunsFullChainAndExportsFusedCloud(t *testing.T) {
	t.Setenv(openmvs.BinDirEnv, writeFakeBinaries(t))

	run := project.New(t.TempDir(), t.TempDir(), config.Profile{UseGPU: true}, nil, nil)
	require.NoError(t, run.Prepare())
	require.NoError(t, os.MkdirAll(filepath.Join(run.SparsePath, "0"), 0o755))

	eng := openmvs.New(config.Default(), nil)

	err := eng.Dense(context.Background(), run, false)
	require.NoError(t, err)

	mvsDir := filepath.Join(run.ProjectPath, "openmvs")
	for _, name := range []string{"scene.mvs", "scene_dense.mvs", "scene_dense.ply", "scene_mesh.ply", "scene_mesh_refine.mvs", "scene_textured.mvs"} {
		assert.FileExists(t, filepath.Join(mvsDir, name))
	}

	assert.FileExists(t, filepath.Join(run.DensePath, "fused.ply"))
}

func TestDense_FailsWhenSceneImportProducesNothing(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, "InterfaceCOLMAP"), []byte("#!/bin/sh\nexit 0\n"), 0o755)
	require.NoError(t, err)

	t.Setenv(openmvs.BinDirEnv, dir)

	run := project.New(t.TempDir(), t.TempDir(), config.Profile{}, nil, nil)
	require.NoError(t, run.Prepare())
	require.NoError(t, os.MkdirAll(filepath.Join(run.SparsePath, "0"), 0o755))

	err = openmvs.New(config.Default(), nil).Dense(context.Background(), run, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not produce")
}

func TestDense_FailsWithoutAnyReconstructionOutput(t *testing.T) {
	t.Setenv(openmvs.BinDirEnv, writeFakeBinaries(t))

	root := filepath.Join(t.TempDir(), "bare")
	run := project.New(root, t.TempDir(), config.Profile{}, nil, nil)

	err := openmvs.New(config.Default(), nil).Dense(context.Background(), run, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reconstruction output")
}

func TestSparsePhase_DelegatesToColmap(t *testing.T) {
	t.Setenv(colmap.BinaryEnv, "/bin/echo")

	run := project.New(t.TempDir(), t.TempDir(), config.Profile{UseGPU: true}, nil, nil)
	require.NoError(t, run.Prepare())

	eng := openmvs.New(config.Default(), nil)
	assert.Equal(t, "openmvs", eng.Name())

	err := eng.FeatureExtraction(context.Background(), run)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(run.ProjectPath, "logs", "feature_extraction.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "feature_extractor")
}
