// Package project holds the per-run workspace context: derived paths, the
// active profile, the event bus, and the cooperative stop flag shared by
// every pipeline stage.
package project

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

// Workspace layout names under the project root.
const (
	DatabaseFileName    = "database.db"
	SparseDirName       = "sparse"
	DenseDirName        = "dense"
	ChunksDirName       = "chunks"
	MergedSparseDirName = "sparse_merged"
	GeospatialDirName   = "geospatial"
	FinalResultsDirName = "final_results"
	LogsDirName         = "logs"
)

// Phase is the coarse lifecycle state of a run.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseFinished Phase = "finished"
	PhaseStopped  Phase = "stopped"
	PhaseError    Phase = "error"
)

// Context is the per-run value object handed to stages and engines. It is
// created once per run and discarded at run end. Only the stop flag is
// touched from other goroutines; everything else belongs to the run
// goroutine.
type Context struct {
	ProjectPath string
	ImagePath   string

	DatabasePath     string
	SparsePath       string
	DensePath        string
	ChunksPath       string
	MergedSparsePath string
	GeospatialPath   string
	FinalResultsPath string

	// Profile is the active processing profile. The dense stage shrinks
	// MaxImageSize in place when the watchdog trips.
	Profile config.Profile

	Phase    Phase
	Progress float64

	Bus    *bus.Bus
	Logger *slog.Logger

	stop *atomic.Bool
}

// New derives the workspace layout from the project root and binds the
// run collaborators.
func New(projectPath, imagePath string, profile config.Profile, b *bus.Bus, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}

	return &Context{
		ProjectPath:      projectPath,
		ImagePath:        imagePath,
		DatabasePath:     filepath.Join(projectPath, DatabaseFileName),
		SparsePath:       filepath.Join(projectPath, SparseDirName),
		DensePath:        filepath.Join(projectPath, DenseDirName),
		ChunksPath:       filepath.Join(projectPath, ChunksDirName),
		MergedSparsePath: filepath.Join(projectPath, MergedSparseDirName),
		GeospatialPath:   filepath.Join(projectPath, GeospatialDirName),
		FinalResultsPath: filepath.Join(projectPath, FinalResultsDirName),
		Profile:          profile,
		Phase:            PhaseIdle,
		Bus:              b,
		Logger:           logger,
		stop:             &atomic.Bool{},
	}
}

// NewChild derives the layout of a sub-workspace (one dataset chunk)
// that shares this run's profile, bus, logger, and stop flag. A stop
// request on either context is observed by both.
func (c *Context) NewChild(projectPath, imagePath string) *Context {
	child := New(projectPath, imagePath, c.Profile, c.Bus, c.Logger)
	child.stop = c.stop

	return child
}

// Prepare creates the output directory structure.
func (c *Context) Prepare() error {
	for _, dir := range []string{c.ProjectPath, c.SparsePath, c.DensePath, filepath.Join(c.ProjectPath, LogsDirName)} {
		err := os.MkdirAll(dir, 0o755)
		if err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return nil
}

// RequestStop sets the cooperative cancellation flag. Safe from any
// goroutine; observed by the subprocess wrapper between poll intervals.
func (c *Context) RequestStop() {
	if c.stop != nil {
		c.stop.Store(true)
	}
}

// Stopped reports whether cancellation has been requested.
func (c *Context) Stopped() bool {
	return c.stop != nil && c.stop.Load()
}

// SetProgress records overall run progress as a fraction in [0,1] and
// publishes it on the bus as a percentage.
func (c *Context) SetProgress(fraction float64, message string) {
	if fraction < 0 {
		fraction = 0
	}

	if fraction > 1 {
		fraction = 1
	}

	c.Progress = fraction

	if c.Bus != nil {
		c.Bus.Emit(bus.NewProgress(int(math.Round(fraction*100)), message))
	}
}
