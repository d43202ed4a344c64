package openmvs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

func TestResolveBinary_PrefersConfiguredDirectory(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, "DensifyPointCloud"), []byte("#!/bin/sh\n"), 0o755)
	require.NoError(t, err)

	t.Setenv(BinDirEnv, dir)

	assert.Equal(t, filepath.Join(dir, "DensifyPointCloud"), resolveBinary("DensifyPointCloud"))

	// Not in the configured dir and not on PATH: the bare name comes back.
	assert.Equal(t, "NoSuchMVSBinary", resolveBinary("NoSuchMVSBinary"))
}

func TestColmapInput_PrefersUndistortedDenseOutput(t *testing.T) {
	t.Parallel()

	run := project.New(t.TempDir(), t.TempDir(), config.Profile{}, nil, nil)
	require.NoError(t, run.Prepare())
	require.NoError(t, os.MkdirAll(filepath.Join(run.DensePath, "images"), 0o755))

	input, images, err := colmapInput(run)
	require.NoError(t, err)
	assert.Equal(t, run.DensePath, input)
	assert.Equal(t, filepath.Join(run.DensePath, "images"), images)
}

func TestColmapInput_FallsBackToNestedSparseModel(t *testing.T) {
	t.Parallel()

	run := project.New(t.TempDir(), t.TempDir(), config.Profile{}, nil, nil)
	require.NoError(t, run.Prepare())
	require.NoError(t, os.MkdirAll(filepath.Join(run.SparsePath, "0"), 0o755))

	input, images, err := colmapInput(run)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(run.SparsePath, "0"), input)
	assert.Equal(t, run.ImagePath, images)
}

func TestColmapInput_UsesFlatSparseWhenNoNestedModel(t *testing.T) {
	t.Parallel()

	run := project.New(t.TempDir(), t.TempDir(), config.Profile{}, nil, nil)
	require.NoError(t, run.Prepare())

	input, _, err := colmapInput(run)
	require.NoError(t, err)
	assert.Equal(t, run.SparsePath, input)
}

func TestColmapInput_FailsWithoutAnyOutput(t *testing.T) {
	t.Parallel()

	run := project.New(filepath.Join(t.TempDir(), "missing"), t.TempDir(), config.Profile{}, nil, nil)

	_, _, err := colmapInput(run)
	require.Error(t, err)
}
