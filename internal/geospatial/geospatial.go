// Package geospatial turns the dense reconstruction output into mapping
// products: a LAS point cloud, ground classification, DSM and DTM rasters,
// an orthophoto, and reprojected variants once a coordinate system is
// known. Every stage is optional at runtime; a missing upstream artifact
// or a failing tool downgrades the stage to a warning so the remaining
// products still get built.
package geospatial

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/proc"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
	"github.com/Sumatoshi-tech/mapfree/pkg/persist"
)

// BinDirEnv points at a directory holding the pdal and gdal executables.
// When unset the tools are resolved from PATH.
const BinDirEnv = "MAPFREE_GEOSPATIAL_BIN_DIR"

// Product filenames under the project's geospatial directory.
const (
	PointCloudLAS     = "pointcloud.las"
	ClassifiedLAS     = "classified.las"
	PointCloudEPSGLAS = "pointcloud_epsg.las"
	DSMTif            = "dsm.tif"
	DTMTif            = "dtm.tif"
	OrthophotoTif     = "orthophoto.tif"
	DSMEPSGTif        = "dsm_epsg.tif"
	DTMEPSGTif        = "dtm_epsg.tif"
	OrthophotoEPSGTif = "orthophoto_epsg.tif"
)

const (
	toolPDAL     = "pdal"
	toolGDALGrid = "gdal_grid"
	toolGDALWarp = "gdalwarp"
	toolGDALInfo = "gdalinfo"

	stageConvert    = "geospatial_convert"
	stageClassify   = "geospatial_classify"
	stageDSM        = "geospatial_dsm"
	stageDTM        = "geospatial_dtm"
	stageOrthophoto = "geospatial_orthophoto"
	stageReproject  = "geospatial_reproject"

	// engineName tags tool output lines on the bus.
	engineName = "geospatial"

	stageTimeout = time.Hour
	infoTimeout  = time.Minute

	// defaultResolution is the raster ground sampling distance in CRS
	// units per pixel when the configuration carries none.
	defaultResolution = 0.05
)

// Processor builds the geospatial products for one run.
type Processor struct {
	cfg    config.GeospatialConfig
	codec  persist.Codec
	logger *slog.Logger
}

// New builds a processor from the geospatial configuration section.
func New(cfg config.GeospatialConfig, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{cfg: cfg, codec: persist.NewJSONCodec(), logger: logger}
}

// Process runs the product chain against the run's dense output:
// PLY to LAS conversion, SMRF ground classification, DSM, DTM,
// orthophoto, then coordinate-system detection and reprojection.
// Stage failures are logged and skipped; only a broken workspace is
// reported as an error.
func (p *Processor) Process(ctx context.Context, run *project.Context) error {
	err := os.MkdirAll(run.GeospatialPath, 0o755)
	if err != nil {
		return fmt.Errorf("create geospatial dir: %w", err)
	}

	fused := filepath.Join(run.DensePath, project.FusedPointCloud)
	las := filepath.Join(run.GeospatialPath, PointCloudLAS)
	classified := filepath.Join(run.GeospatialPath, ClassifiedLAS)
	dsm := filepath.Join(run.GeospatialPath, DSMTif)
	dtm := filepath.Join(run.GeospatialPath, DTMTif)
	ortho := filepath.Join(run.GeospatialPath, OrthophotoTif)

	p.stage(run, stageConvert, fused, func() error {
		return p.convertToLAS(ctx, run, fused, las)
	})

	p.stage(run, stageClassify, las, func() error {
		return p.classifyGround(ctx, run, las, classified)
	})

	p.stage(run, stageDSM, las, func() error {
		return p.rasterizeGrid(ctx, run, stageDSM, las, dsm, "")
	})

	p.stage(run, stageDTM, classified, func() error {
		return p.rasterizeGrid(ctx, run, stageDTM, classified, dtm, groundFilter())
	})

	p.stage(run, stageOrthophoto, dtm, func() error {
		return p.generateOrthophoto(ctx, run, run.ImagePath, dtm, ortho)
	})

	p.reprojectProducts(ctx, run)

	p.logger.Info("geospatial processing finished", "dir", run.GeospatialPath)

	return nil
}

// reprojectProducts detects the target CRS and reprojects every raster
// and point-cloud product that exists. Per-product failures are warnings.
func (p *Processor) reprojectProducts(ctx context.Context, run *project.Context) {
	if run.Stopped() {
		return
	}

	epsg := p.DetectEPSG(run)
	if epsg == 0 {
		p.logger.Info("no coordinate system detected, products keep local coordinates")

		return
	}

	rasters := []struct {
		product string
		in, out string
	}{
		{"dtm", DTMTif, DTMEPSGTif},
		{"dsm", DSMTif, DSMEPSGTif},
		{"orthophoto", OrthophotoTif, OrthophotoEPSGTif},
	}

	for _, raster := range rasters {
		if run.Stopped() {
			return
		}

		input := filepath.Join(run.GeospatialPath, raster.in)
		if !project.FileValid(input) {
			continue
		}

		output := filepath.Join(run.GeospatialPath, raster.out)

		err := p.reprojectRaster(ctx, run, input, output, epsg, raster.product)
		if err != nil {
			p.logger.Warn("raster reprojection failed, keeping original",
				"product", raster.product, "epsg", epsg, "error", err)
		}
	}

	cloud := filepath.Join(run.GeospatialPath, ClassifiedLAS)
	if !project.FileValid(cloud) {
		cloud = filepath.Join(run.GeospatialPath, PointCloudLAS)
	}

	if !project.FileValid(cloud) {
		return
	}

	err := p.reprojectPointCloud(ctx, run, cloud, filepath.Join(run.GeospatialPath, PointCloudEPSGLAS), epsg)
	if err != nil {
		p.logger.Warn("point cloud reprojection failed, keeping original", "epsg", epsg, "error", err)
	}
}

// stage guards one product step: the upstream artifact must exist, the
// step must succeed, and neither condition aborts the chain.
func (p *Processor) stage(run *project.Context, name, upstream string, fn func() error) {
	if run.Stopped() {
		return
	}

	if !project.FileValid(upstream) {
		p.logger.Warn("skipping geospatial stage, upstream artifact missing",
			"stage", name, "missing", upstream)
		publish(run, bus.StageStarted{Stage: name, Skipped: true})
		publish(run, bus.StageCompleted{Stage: name, Skipped: true})

		return
	}

	publish(run, bus.StageStarted{Stage: name})

	err := fn()
	if err != nil {
		p.logger.Warn("geospatial stage failed, continuing", "stage", name, "error", err)
		publish(run, bus.StageCompleted{Stage: name, Skipped: true})

		return
	}

	publish(run, bus.StageCompleted{Stage: name})
}

// options returns the common subprocess settings for a geospatial stage.
func (p *Processor) options(run *project.Context, stage string) proc.Options {
	return proc.Options{
		Workspace: run.ProjectPath,
		Stage:     stage,
		Timeout:   stageTimeout,
		Stop:      run.Stopped,
		OnLine:    lineLogger(run),
		Logger:    p.logger,
	}
}

// tool resolves a pdal/gdal executable: the BinDirEnv directory wins,
// then PATH, then the bare name.
func (p *Processor) tool(name string) string {
	if dir := os.Getenv(BinDirEnv); dir != "" {
		candidate := filepath.Join(dir, name)

		_, err := os.Stat(candidate)
		if err == nil {
			return candidate
		}
	}

	resolved, err := exec.LookPath(name)
	if err == nil {
		return resolved
	}

	return name
}

// lineLogger republishes tool output lines on the bus.
func lineLogger(run *project.Context) func(string) {
	if run.Bus == nil {
		return nil
	}

	return func(line string) {
		run.Bus.Emit(bus.EngineLog{Engine: engineName, Line: line})
	}
}

// publish emits a payload when the run carries a bus.
func publish(run *project.Context, payload bus.Payload) {
	if run.Bus != nil {
		run.Bus.Emit(payload)
	}
}

// resolution returns the configured ground sampling distance.
func (p *Processor) resolution() float64 {
	if p.cfg.DTMResolution > 0 {
		return p.cfg.DTMResolution
	}

	return defaultResolution
}
