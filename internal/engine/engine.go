// Package engine defines the reconstruction backend abstraction the
// pipeline drives. Implementations shell out to external tools through
// the subprocess wrapper; the orchestrator never sees tool-specific
// flags or binary names.
package engine

import (
	"context"

	"github.com/Sumatoshi-tech/mapfree/internal/project"
)

// Kind selects a concrete engine implementation.
type Kind string

const (
	KindColmap  Kind = "colmap"
	KindOpenMVS Kind = "openmvs"
)

// Engine is the capability set every reconstruction backend provides.
// Dense takes a watchdog flag; implementations decide which invocation
// is the GPU-bound one to supervise.
type Engine interface {
	Name() string
	FeatureExtraction(ctx context.Context, run *project.Context) error
	Matching(ctx context.Context, run *project.Context) error
	Sparse(ctx context.Context, run *project.Context) error
	Dense(ctx context.Context, run *project.Context, vramWatch bool) error
}

// ModelMerger merges two sparse models into an output directory. The
// chunked sparse phase reduces partial models through this.
type ModelMerger interface {
	MergeModels(ctx context.Context, run *project.Context, input1, input2, output string) error
}

// ModelConverter exports a sparse model directory to a point-cloud file.
type ModelConverter interface {
	ConvertModel(ctx context.Context, run *project.Context, inputDir, outputFile string) error
}
