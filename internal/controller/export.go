package controller

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sumatoshi-tech/mapfree/internal/geospatial"
	"github.com/Sumatoshi-tech/mapfree/internal/pipeline"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
)

// Product identifies one exportable artifact of a finished run.
type Product string

// Exportable products.
const (
	ProductSparse     Product = "sparse"
	ProductDense      Product = "dense"
	ProductDSM        Product = "dsm"
	ProductDTM        Product = "dtm"
	ProductOrthophoto Product = "orthophoto"
)

// ErrProductMissing is returned when no source file exists for a product.
var ErrProductMissing = errors.New("export product not found")

// ErrUnknownProduct is returned for a product name outside Products.
var ErrUnknownProduct = errors.New("unknown export product")

// Products lists every exportable product in display order.
func Products() []Product {
	return []Product{ProductSparse, ProductDense, ProductDSM, ProductDTM, ProductOrthophoto}
}

// productSource resolves the on-disk source for a product. Geospatial
// rasters prefer their reprojected variant; the dense cloud falls back to
// the raw fusion output when no export was written.
func productSource(projectPath string, product Product) (string, error) {
	geoDir := filepath.Join(projectPath, project.GeospatialDirName)
	resultsDir := filepath.Join(projectPath, project.FinalResultsDirName)

	switch product {
	case ProductSparse:
		return filepath.Join(resultsDir, pipeline.SparseExportName), nil
	case ProductDense:
		exported := filepath.Join(resultsDir, pipeline.DenseExportName)
		if fileExists(exported) {
			return exported, nil
		}

		return filepath.Join(projectPath, project.DenseDirName, project.FusedPointCloud), nil
	case ProductDSM:
		return preferred(geoDir, geospatial.DSMEPSGTif, geospatial.DSMTif), nil
	case ProductDTM:
		return preferred(geoDir, geospatial.DTMEPSGTif, geospatial.DTMTif), nil
	case ProductOrthophoto:
		return preferred(geoDir, geospatial.OrthophotoEPSGTif, geospatial.OrthophotoTif), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownProduct, product)
	}
}

// CanonicalName returns the file name a product is exported under when the
// destination is a directory.
func CanonicalName(product Product) string {
	switch product {
	case ProductSparse:
		return pipeline.SparseExportName
	case ProductDense:
		return pipeline.DenseExportName
	case ProductDSM:
		return geospatial.DSMTif
	case ProductDTM:
		return geospatial.DTMTif
	case ProductOrthophoto:
		return geospatial.OrthophotoTif
	default:
		return string(product)
	}
}

// CopyProduct copies one product out of the project workspace to dest and
// returns the written path. A dest naming an existing directory receives
// the product under its canonical file name.
func CopyProduct(projectPath string, product Product, dest string) (string, error) {
	source, err := productSource(projectPath, product)
	if err != nil {
		return "", err
	}

	if !fileExists(source) {
		return "", fmt.Errorf("%s: %w (looked for %s)", product, ErrProductMissing, source)
	}

	info, err := os.Stat(dest)
	if err == nil && info.IsDir() {
		dest = filepath.Join(dest, CanonicalName(product))
	}

	err = os.MkdirAll(filepath.Dir(dest), 0o755)
	if err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	err = project.CopyFile(source, dest)
	if err != nil {
		return "", fmt.Errorf("export %s: %w", product, err)
	}

	return dest, nil
}

// ExportAll copies the geospatial raster trio into destDir under canonical
// names. It fails on the first missing product.
func ExportAll(projectPath, destDir string) (map[Product]string, error) {
	err := os.MkdirAll(destDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	out := make(map[Product]string, 3)

	for _, product := range []Product{ProductDTM, ProductDSM, ProductOrthophoto} {
		written, err := CopyProduct(projectPath, product, filepath.Join(destDir, CanonicalName(product)))
		if err != nil {
			return nil, err
		}

		out[product] = written
	}

	return out, nil
}

func preferred(dir, reprojected, original string) string {
	path := filepath.Join(dir, reprojected)
	if fileExists(path) {
		return path
	}

	return filepath.Join(dir, original)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}
