package geospatial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/mapfree/internal/proc"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/pkg/persist"
)

// SMRF ground-classification parameters. Tuned for typical drone survey
// overlap; slope is rise over run, window in CRS units.
const (
	smrfSlope     = 0.2
	smrfWindow    = 16.0
	smrfThreshold = 0.45
	smrfScalar    = 1.2

	// groundClass is the ASPRS LAS classification code for ground points.
	groundClass = 2

	// maxMetadataDepth caps the recursive bounds search through pdal info
	// output, which nests per-reader metadata at driver-dependent depth.
	maxMetadataDepth = 20
)

// pdalStage is one filter entry in a pdal pipeline document.
type pdalStage map[string]any

// pdalPipeline is the JSON document consumed by `pdal pipeline`. Plain
// string entries are reader/writer paths.
type pdalPipeline struct {
	Pipeline []any `json:"pipeline"`
}

// convertToLAS converts the fused PLY cloud to LAS via pdal translate.
func (p *Processor) convertToLAS(ctx context.Context, run *project.Context, inputPLY, outputLAS string) error {
	opts := p.options(run, stageConvert)
	opts.Args = []string{p.tool(toolPDAL), "translate", inputPLY, outputLAS}

	err := proc.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("pdal translate: %w", err)
	}

	if !project.FileValid(outputLAS) {
		return fmt.Errorf("pdal translate did not produce %s", outputLAS)
	}

	return nil
}

// classifyGround labels ground points in the LAS cloud with the SMRF
// filter, then sanity-checks the classification statistics.
func (p *Processor) classifyGround(ctx context.Context, run *project.Context, inputLAS, outputLAS string) error {
	spec := pdalPipeline{Pipeline: []any{
		inputLAS,
		pdalStage{
			"type":      "filters.smrf",
			"slope":     smrfSlope,
			"window":    smrfWindow,
			"threshold": smrfThreshold,
			"scalar":    smrfScalar,
		},
		outputLAS,
	}}

	err := p.runPipelineSpec(ctx, run, stageClassify, spec)
	if err != nil {
		return fmt.Errorf("smrf classification: %w", err)
	}

	if !project.FileValid(outputLAS) {
		return fmt.Errorf("classification did not produce %s", outputLAS)
	}

	p.verifyGroundClass(ctx, outputLAS)

	return nil
}

// reprojectPointCloud rewrites the LAS cloud into the target CRS through
// a pdal filters.reprojection pipeline.
func (p *Processor) reprojectPointCloud(ctx context.Context, run *project.Context, inputLAS, outputLAS string, epsg int) error {
	spec := pdalPipeline{Pipeline: []any{
		inputLAS,
		pdalStage{
			"type":    "filters.reprojection",
			"out_srs": epsgCode(epsg),
		},
		outputLAS,
	}}

	err := p.runPipelineSpec(ctx, run, stageReproject, spec)
	if err != nil {
		return fmt.Errorf("las reprojection: %w", err)
	}

	if !project.FileValid(outputLAS) {
		return fmt.Errorf("reprojection did not produce %s", outputLAS)
	}

	return nil
}

// runPipelineSpec materializes the pipeline document next to the products
// and hands it to `pdal pipeline`. The document is removed afterwards.
func (p *Processor) runPipelineSpec(ctx context.Context, run *project.Context, stage string, spec pdalPipeline) error {
	basename := stage + "_pipeline"

	err := persist.SaveDocument(run.GeospatialPath, basename, p.codec, spec)
	if err != nil {
		return fmt.Errorf("write pdal pipeline: %w", err)
	}

	specPath := filepath.Join(run.GeospatialPath, basename+p.codec.Extension())
	defer os.Remove(specPath)

	opts := p.options(run, stage)
	opts.Args = []string{p.tool(toolPDAL), "pipeline", specPath}

	return proc.Run(ctx, opts)
}

// verifyGroundClass warns when the classification statistics show no
// ground points. The output can still be usable, so this never fails.
func (p *Processor) verifyGroundClass(ctx context.Context, classifiedLAS string) {
	out, err := p.probe(ctx, infoTimeout, p.tool(toolPDAL), "info", classifiedLAS, "--stats")
	if err != nil {
		return
	}

	text := string(out)
	if !strings.Contains(text, strconv.Itoa(groundClass)) && !strings.Contains(strings.ToLower(text), "ground") {
		p.logger.Warn("ground class missing from classification stats, output may still be valid",
			"class", groundClass, "file", classifiedLAS)
	}
}

// bounds is the horizontal extent of a point cloud.
type bounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
}

// boundsFromPointCloud reads the cloud extent from pdal info metadata.
func (p *Processor) boundsFromPointCloud(ctx context.Context, path string) (bounds, error) {
	out, err := p.probe(ctx, infoTimeout, p.tool(toolPDAL), "info", path, "--metadata")
	if err != nil {
		return bounds{}, fmt.Errorf("pdal info: %w", err)
	}

	var doc struct {
		Metadata map[string]any `json:"metadata"`
	}

	err = json.Unmarshal(out, &doc)
	if err != nil {
		return bounds{}, fmt.Errorf("parse pdal metadata: %w", err)
	}

	b, ok := findBounds(doc.Metadata, 0)
	if !ok {
		return bounds{}, errors.New("pdal metadata carries no minx/maxx/miny/maxy")
	}

	return b, nil
}

// findBounds walks the metadata tree for the first node holding all four
// extent keys.
func findBounds(value any, depth int) (bounds, bool) {
	if depth > maxMetadataDepth {
		return bounds{}, false
	}

	node, ok := value.(map[string]any)
	if !ok {
		return bounds{}, false
	}

	minX, okMinX := floatField(node, "minx")
	maxX, okMaxX := floatField(node, "maxx")
	minY, okMinY := floatField(node, "miny")
	maxY, okMaxY := floatField(node, "maxy")

	if okMinX && okMaxX && okMinY && okMaxY {
		return bounds{MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY}, true
	}

	for _, child := range node {
		b, found := findBounds(child, depth+1)
		if found {
			return b, true
		}
	}

	return bounds{}, false
}

// floatField reads a numeric JSON field from a decoded object.
func floatField(node map[string]any, key string) (float64, bool) {
	value, ok := node[key]
	if !ok {
		return 0, false
	}

	number, ok := value.(float64)

	return number, ok
}

// probe runs a short metadata query, returning stdout only. Unlike the
// supervised stage runs, stderr must stay out of the result because the
// callers parse the output as JSON.
func (p *Processor) probe(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, args[0], args[1:]...)

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}

		return nil, fmt.Errorf("%s: %w", args[0], err)
	}

	return out, nil
}
