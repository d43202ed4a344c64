package geospatial

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/proc"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/pkg/persist"
)

// WGS84 UTM EPSG base codes; the zone number is added on top.
const (
	utmNorthBase = 32600
	utmSouthBase = 32700

	utmZoneCount = 60
)

// crsDocName is the cached detection result under the geospatial dir.
const crsDocName = "crs"

// CRS detection sources recorded in the cache document.
const (
	crsSourceEXIF = "exif"
	crsSourceNone = "none"
)

// progressPattern extracts the percentage ticks gdalwarp prints in
// -progress mode ("0...10...20...").
var progressPattern = regexp.MustCompile(`\b([0-9]{1,3})\b`)

// crsRecord caches the detection outcome so resumed runs skip the EXIF
// scan. A zero EPSG records that no GPS metadata was found.
type crsRecord struct {
	EPSG   int    `json:"epsg"`
	Source string `json:"source"`
}

// DetectEPSG resolves the target coordinate system for the run. A
// configured target wins; otherwise the cached detection result is
// reused, falling back to an EXIF GPS scan of the input images. Returns
// zero when no coordinate system is known.
func (p *Processor) DetectEPSG(run *project.Context) int {
	if p.cfg.TargetEPSG > 0 {
		p.logger.Info("using configured coordinate system", "epsg", p.cfg.TargetEPSG)

		return p.cfg.TargetEPSG
	}

	if !p.cfg.AutoDetectEPSG {
		return 0
	}

	var cached crsRecord

	err := persist.LoadDocument(run.GeospatialPath, crsDocName, p.codec, &cached)
	if err == nil {
		p.logger.Info("reusing cached coordinate system", "epsg", cached.EPSG, "source", cached.Source)

		return cached.EPSG
	}

	epsg := DetectEPSGFromImages(run.ImagePath, p.logger)

	record := crsRecord{EPSG: epsg, Source: crsSourceEXIF}
	if epsg == 0 {
		record.Source = crsSourceNone
	}

	saveErr := persist.SaveDocument(run.GeospatialPath, crsDocName, p.codec, record)
	if saveErr != nil {
		p.logger.Warn("could not cache detected coordinate system", "error", saveErr)
	}

	return epsg
}

// DetectEPSGFromImages scans the images for EXIF GPS coordinates and maps
// the first fix onto its WGS84 UTM zone EPSG code. Returns zero when no
// image carries GPS metadata.
func DetectEPSGFromImages(dir string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	images, err := project.ListImages(dir)
	if err != nil {
		logger.Warn("cannot scan images for GPS metadata", "dir", dir, "error", err)

		return 0
	}

	for _, path := range images {
		lat, lon, ok := exifLatLong(path)
		if !ok {
			continue
		}

		zone, hemisphere, err := utmZoneAndHemisphere(lon, lat)
		if err != nil {
			logger.Warn("invalid GPS coordinates", "image", filepath.Base(path), "error", err)

			continue
		}

		epsg := utmEPSG(zone, hemisphere)
		logger.Info("detected coordinate system from image GPS",
			"image", filepath.Base(path), "lat", lat, "lon", lon,
			"zone", fmt.Sprintf("%d%s", zone, hemisphere), "epsg", epsg)

		return epsg
	}

	logger.Info("no GPS metadata found", "images", len(images))

	return 0
}

// exifLatLong reads the GPS position from one image. A (0,0) fix counts
// as missing; cameras without GPS write it for the null island.
func exifLatLong(path string) (lat, lon float64, ok bool) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer file.Close()

	meta, err := exif.Decode(file)
	if err != nil {
		return 0, 0, false
	}

	lat, lon, err = meta.LatLong()
	if err != nil {
		return 0, 0, false
	}

	if lat == 0 && lon == 0 {
		return 0, 0, false
	}

	return lat, lon, true
}

// utmZoneAndHemisphere maps a WGS84 position onto its UTM zone.
func utmZoneAndHemisphere(lon, lat float64) (int, string, error) {
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return 0, "", fmt.Errorf("coordinates out of range: lon=%g lat=%g", lon, lat)
	}

	zone := int(math.Floor((lon+180)/6)) + 1
	zone = min(utmZoneCount, max(1, zone))

	hemisphere := "N"
	if lat < 0 {
		hemisphere = "S"
	}

	return zone, hemisphere, nil
}

// utmEPSG returns the EPSG code for a WGS84 UTM zone.
func utmEPSG(zone int, hemisphere string) int {
	if hemisphere == "S" {
		return utmSouthBase + zone
	}

	return utmNorthBase + zone
}

// epsgCode renders an EPSG number as the authority string GDAL and PDAL
// expect.
func epsgCode(epsg int) string {
	return fmt.Sprintf("EPSG:%d", epsg)
}

// reprojectRaster warps a raster into the target CRS, publishing the
// gdalwarp percentage ticks as reprojection progress.
func (p *Processor) reprojectRaster(ctx context.Context, run *project.Context, input, output string, epsg int, product string) error {
	opts := p.options(run, stageReproject)
	opts.Args = []string{
		p.tool(toolGDALWarp),
		"-progress",
		"-t_srs", epsgCode(epsg),
		"-overwrite",
		input,
		output,
	}

	logLine := lineLogger(run)
	opts.OnLine = func(line string) {
		if logLine != nil {
			logLine(line)
		}

		for _, pct := range progressValues(line) {
			publish(run, bus.NewReprojectionProgress(pct, product))
		}
	}

	err := proc.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("gdalwarp reprojection: %w", err)
	}

	if !project.FileValid(output) {
		return fmt.Errorf("reprojection did not produce %s", output)
	}

	publish(run, bus.NewReprojectionProgress(100, product))
	p.logger.Info("raster reprojected", "product", product, "epsg", epsg, "output", output)

	return nil
}

// progressValues extracts the in-range percentages from one output line.
func progressValues(line string) []int {
	matches := progressPattern.FindAllString(line, -1)

	values := make([]int, 0, len(matches))

	for _, match := range matches {
		value, err := strconv.Atoi(match)
		if err != nil || value < 0 || value > 100 {
			continue
		}

		values = append(values, value)
	}

	return values
}
