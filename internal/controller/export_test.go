package controller_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/mapfree/internal/controller"
	"github.com/Sumatoshi-tech/mapfree/internal/geospatial"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
)

func writeProjectFile(t *testing.T, projectDir string, parts ...string) string {
	t.Helper()

	path := filepath.Join(append([]string{projectDir}, parts...)...)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(parts[len(parts)-1]), 0o644))

	return path
}

func TestCopyProduct_PrefersReprojectedRaster(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	writeProjectFile(t, projectDir, project.GeospatialDirName, geospatial.DTMTif)
	writeProjectFile(t, projectDir, project.GeospatialDirName, geospatial.DTMEPSGTif)

	dest := filepath.Join(t.TempDir(), "terrain.tif")

	written, err := controller.CopyProduct(projectDir, controller.ProductDTM, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, written)

	data, err := os.ReadFile(written)
	require.NoError(t, err)
	assert.Equal(t, geospatial.DTMEPSGTif, string(data))
}

func TestCopyProduct_FallsBackToUnprojectedRaster(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	writeProjectFile(t, projectDir, project.GeospatialDirName, geospatial.DSMTif)

	written, err := controller.CopyProduct(projectDir, controller.ProductDSM, filepath.Join(t.TempDir(), "out.tif"))
	require.NoError(t, err)

	data, err := os.ReadFile(written)
	require.NoError(t, err)
	assert.Equal(t, geospatial.DSMTif, string(data))
}

func TestCopyProduct_MissingProductFails(t *testing.T) {
	t.Parallel()

	_, err := controller.CopyProduct(t.TempDir(), controller.ProductOrthophoto, filepath.Join(t.TempDir(), "out.tif"))
	require.Error(t, err)
	assert.ErrorIs(t, err, controller.ErrProductMissing)
}

func TestCopyProduct_UnknownProductFails(t *testing.T) {
	t.Parallel()

	_, err := controller.CopyProduct(t.TempDir(), controller.Product("mesh"), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, controller.ErrUnknownProduct)
}

func TestCopyProduct_DirectoryDestUsesCanonicalName(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	writeProjectFile(t, projectDir, project.GeospatialDirName, geospatial.OrthophotoTif)

	destDir := t.TempDir()

	written, err := controller.CopyProduct(projectDir, controller.ProductOrthophoto, destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, geospatial.OrthophotoTif), written)
	assert.FileExists(t, written)
}

func TestCopyProduct_DenseFallsBackToFusionOutput(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	writeProjectFile(t, projectDir, project.DenseDirName, project.FusedPointCloud)

	written, err := controller.CopyProduct(projectDir, controller.ProductDense, filepath.Join(t.TempDir(), "cloud.ply"))
	require.NoError(t, err)

	data, err := os.ReadFile(written)
	require.NoError(t, err)
	assert.Equal(t, project.FusedPointCloud, string(data))
}

func TestExportAll_CopiesRasterTrio(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	writeProjectFile(t, projectDir, project.GeospatialDirName, geospatial.DTMTif)
	writeProjectFile(t, projectDir, project.GeospatialDirName, geospatial.DSMEPSGTif)
	writeProjectFile(t, projectDir, project.GeospatialDirName, geospatial.OrthophotoTif)

	destDir := filepath.Join(t.TempDir(), "exported")

	out, err := controller.ExportAll(projectDir, destDir)
	require.NoError(t, err)
	require.Len(t, out, 3)

	for _, product := range []controller.Product{controller.ProductDTM, controller.ProductDSM, controller.ProductOrthophoto} {
		assert.FileExists(t, out[product])
	}

	data, err := os.ReadFile(out[controller.ProductDSM])
	require.NoError(t, err)
	assert.Equal(t, geospatial.DSMEPSGTif, string(data))
}

func TestExportAll_MissingProductFails(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	writeProjectFile(t, projectDir, project.GeospatialDirName, geospatial.DTMTif)

	_, err := controller.ExportAll(projectDir, filepath.Join(t.TempDir(), "exported"))
	require.Error(t, err)
	assert.ErrorIs(t, err, controller.ErrProductMissing)
}
