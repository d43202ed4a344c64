package geospatial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Sumatoshi-tech/mapfree/internal/proc"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
)

// ErrNotGeoreferenced reports that no input image carries a usable
// coordinate system, which the orthophoto warp cannot work without.
var ErrNotGeoreferenced = errors.New("orthophoto requires a georeferenced dataset")

// interpolation is the gdal_grid algorithm for both surface models.
const interpolation = "invdist:power=2.0:smoothing=1.0"

// rasterExtensions are the formats scanned for orthophoto source imagery.
// Wider than the reconstruction inputs: warped aerials usually arrive as
// GeoTIFF or VRT mosaics.
var rasterExtensions = map[string]struct{}{
	".tif":  {},
	".tiff": {},
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".vrt":  {},
}

// rasterizeGrid interpolates the LAS cloud onto a regular grid with
// gdal_grid. A non-empty where clause restricts the input points, which
// is how the DTM keeps only ground returns.
func (p *Processor) rasterizeGrid(ctx context.Context, run *project.Context, stage, inputLAS, outputTIF, where string) error {
	extent, err := p.boundsFromPointCloud(ctx, inputLAS)
	if err != nil {
		return fmt.Errorf("point cloud extent: %w", err)
	}

	resolution := p.resolution()
	width := gridCells(extent.MaxX-extent.MinX, resolution)
	height := gridCells(extent.MaxY-extent.MinY, resolution)

	args := []string{
		p.tool(toolGDALGrid),
		"-zfield", "Z",
		"-a", interpolation,
	}

	if where != "" {
		args = append(args, "-where", where)
	}

	args = append(args,
		"-txe", formatCoord(extent.MinX), formatCoord(extent.MaxX),
		"-tye", formatCoord(extent.MinY), formatCoord(extent.MaxY),
		"-outsize", strconv.Itoa(width), strconv.Itoa(height),
		inputLAS,
		outputTIF,
	)

	opts := p.options(run, stage)
	opts.Args = args

	err = proc.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("gdal_grid: %w", err)
	}

	if !project.FileValid(outputTIF) {
		return fmt.Errorf("gdal_grid did not produce %s", outputTIF)
	}

	p.logger.Info("raster generated", "output", outputTIF,
		"resolution", resolution, "width", width, "height", height)

	return nil
}

// generateOrthophoto warps the georeferenced source imagery onto the DTM
// grid so the orthophoto shares its extent, resolution and CRS.
func (p *Processor) generateOrthophoto(ctx context.Context, run *project.Context, imagesDir, dtmTIF, outputTIF string) error {
	grid, err := p.rasterGrid(ctx, dtmTIF)
	if err != nil {
		return fmt.Errorf("terrain model is not a valid georeferenced raster: %w", err)
	}

	sources, err := p.georeferencedImages(ctx, imagesDir)
	if err != nil {
		return err
	}

	args := []string{
		p.tool(toolGDALWarp),
		"-te", formatCoord(grid.MinX), formatCoord(grid.MinY), formatCoord(grid.MaxX), formatCoord(grid.MaxY),
		"-tr", formatCoord(grid.ResX), formatCoord(grid.ResY),
		"-t_srs", grid.SRS,
		"-r", "bilinear",
		"-overwrite",
	}
	args = append(args, sources...)
	args = append(args, outputTIF)

	opts := p.options(run, stageOrthophoto)
	opts.Args = args

	err = proc.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("gdalwarp: %w", err)
	}

	if !project.FileValid(outputTIF) {
		return fmt.Errorf("gdalwarp did not produce %s", outputTIF)
	}

	p.logger.Info("orthophoto generated", "output", outputTIF, "sources", len(sources))

	return nil
}

// georeferencedImages returns the raster files in dir that carry a
// coordinate system and a real geotransform.
func (p *Processor) georeferencedImages(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read image dir: %w", err)
	}

	var sources []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if _, ok := rasterExtensions[ext]; !ok {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		info, err := p.gdalInfo(ctx, path)
		if err != nil {
			continue
		}

		if georeferenced(info) {
			sources = append(sources, path)
		}
	}

	if len(sources) == 0 {
		return nil, ErrNotGeoreferenced
	}

	return sources, nil
}

// gdalInfoDoc is the subset of `gdalinfo -json` the warp needs.
type gdalInfoDoc struct {
	CoordinateSystem struct {
		WKT string `json:"wkt"`
	} `json:"coordinateSystem"`
	GeoTransform      []float64 `json:"geoTransform"`
	CornerCoordinates struct {
		UpperLeft  []float64 `json:"upperLeft"`
		LowerRight []float64 `json:"lowerRight"`
	} `json:"cornerCoordinates"`
}

// rasterGridSpec is the target grid derived from a reference raster.
type rasterGridSpec struct {
	SRS        string
	MinX, MinY float64
	MaxX, MaxY float64
	ResX, ResY float64
}

// gdalInfo probes a raster's georeferencing metadata.
func (p *Processor) gdalInfo(ctx context.Context, path string) (*gdalInfoDoc, error) {
	out, err := p.probe(ctx, infoTimeout, p.tool(toolGDALInfo), "-json", path)
	if err != nil {
		return nil, fmt.Errorf("gdalinfo: %w", err)
	}

	var doc gdalInfoDoc

	err = json.Unmarshal(out, &doc)
	if err != nil {
		return nil, fmt.Errorf("parse gdalinfo output: %w", err)
	}

	return &doc, nil
}

// rasterGrid reads the reference raster's extent, resolution and CRS.
func (p *Processor) rasterGrid(ctx context.Context, path string) (rasterGridSpec, error) {
	info, err := p.gdalInfo(ctx, path)
	if err != nil {
		return rasterGridSpec{}, err
	}

	grid, ok := gridFromInfo(info)
	if !ok {
		return rasterGridSpec{}, fmt.Errorf("raster %s carries no usable georeferencing", path)
	}

	return grid, nil
}

// georeferenced reports whether the raster has a coordinate system and a
// non-identity geotransform. GDAL reports [0 1 0 0 0 1] for plain,
// unreferenced imagery.
func georeferenced(info *gdalInfoDoc) bool {
	if info == nil || info.CoordinateSystem.WKT == "" {
		return false
	}

	gt := info.GeoTransform
	if len(gt) < 6 {
		return false
	}

	if gt[1] == 1 && (gt[5] == 1 || gt[5] == -1) && gt[2] == 0 && gt[4] == 0 {
		return false
	}

	return true
}

// gridFromInfo derives the grid spec from parsed gdalinfo output.
func gridFromInfo(info *gdalInfoDoc) (rasterGridSpec, bool) {
	if !georeferenced(info) {
		return rasterGridSpec{}, false
	}

	ul := info.CornerCoordinates.UpperLeft
	lr := info.CornerCoordinates.LowerRight

	if len(ul) < 2 || len(lr) < 2 {
		return rasterGridSpec{}, false
	}

	grid := rasterGridSpec{
		SRS:  info.CoordinateSystem.WKT,
		MinX: min(ul[0], lr[0]),
		MaxX: max(ul[0], lr[0]),
		MinY: min(ul[1], lr[1]),
		MaxY: max(ul[1], lr[1]),
		ResX: math.Abs(info.GeoTransform[1]),
		ResY: math.Abs(info.GeoTransform[5]),
	}

	if grid.ResX <= 0 || grid.ResY <= 0 {
		return rasterGridSpec{}, false
	}

	return grid, true
}

// gridCells converts a span in CRS units to a pixel count, never below 1.
func gridCells(span, resolution float64) int {
	return max(1, int(math.Ceil(span/resolution)))
}

// groundFilter is the gdal_grid where clause selecting ground returns.
func groundFilter() string {
	return fmt.Sprintf("Classification=%d", groundClass)
}

// formatCoord renders a coordinate for an argv without trailing zeros.
func formatCoord(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
