// Package controller runs the reconstruction pipeline on a background
// goroutine and mirrors its lifecycle for callers that poll instead of
// subscribing. All state it reports is derived from bus events; the
// controller never reaches into the pipeline or the engines directly.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/internal/pipeline"
	"github.com/Sumatoshi-tech/mapfree/internal/proc"
	"github.com/Sumatoshi-tech/mapfree/internal/project"
	"github.com/Sumatoshi-tech/mapfree/pkg/config"
)

// ErrRunInProgress is returned by Start while a previous run is active.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// maxLogLines bounds the retained engine output.
const maxLogLines = 200

// LogEntry is one retained line of external tool output.
type LogEntry struct {
	Engine string
	Line   string
}

// Status is a point-in-time snapshot of the controller's view of the run.
type Status struct {
	Phase    project.Phase
	Progress float64
	RunID    string
}

// Controller owns at most one pipeline run at a time.
type Controller struct {
	cfg    *config.Config
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	phase    project.Phase
	progress float64
	runID    string
	logs     []LogEntry
	subs     []*bus.Subscription
	done     chan struct{}
	runErr   error
}

// New creates an idle controller publishing and listening on b.
func New(cfg *config.Config, b *bus.Bus, logger *slog.Logger) *Controller {
	if cfg == nil {
		cfg = config.Default()
	}

	if b == nil {
		b = bus.New(logger)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		phase:  project.PhaseIdle,
	}
}

// Bus exposes the event bus the controller publishes and listens on.
func (c *Controller) Bus() *bus.Bus { return c.bus }

// Start launches a pipeline run in the background. The per-run opts carry
// collaborator overrides and the chunk size; cfg, bus, and logger come from
// the controller. Start fails while another run is active.
func (c *Controller) Start(ctx context.Context, projectPath, imagePath string, opts pipeline.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		default:
			return ErrRunInProgress
		}
	}

	p := pipeline.New(c.cfg, c.bus, c.logger, opts)

	c.phase = project.PhaseRunning
	c.progress = 0
	c.runID = p.RunID()
	c.logs = nil
	c.runErr = nil
	c.done = make(chan struct{})
	c.attach()

	done := c.done

	go func() {
		err := p.Run(ctx, projectPath, imagePath)

		c.mu.Lock()
		c.runErr = err
		if errors.Is(err, proc.ErrStopped) {
			c.phase = project.PhaseStopped
		}
		c.detach()
		c.mu.Unlock()

		close(done)
	}()

	return nil
}

// Running reports whether a run is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Stop asks the active run to terminate. The request travels over the bus;
// the pipeline observes it at its next checkpoint and kills any running
// subprocess, so the run ends shortly after rather than immediately.
func (c *Controller) Stop(reason string) {
	if !c.Running() {
		return
	}

	c.bus.Emit(bus.StopRequested{Reason: reason})
}

// Wait blocks until the active run finishes and returns its error. With no
// run active it returns the previous run's error, or nil if none ran.
func (c *Controller) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.runErr
}

// Status returns the controller's current view of the run.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{Phase: c.phase, Progress: c.progress, RunID: c.runID}
}

// Logs returns a copy of the retained engine output, oldest first.
func (c *Controller) Logs() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]LogEntry(nil), c.logs...)
}

// attach subscribes the lifecycle mirrors. Callers hold c.mu.
func (c *Controller) attach() {
	c.subs = []*bus.Subscription{
		c.bus.Subscribe(bus.EventPipelineStarted, func(p bus.Payload) {
			started, ok := p.(bus.PipelineStarted)
			if !ok {
				return
			}

			c.mu.Lock()
			defer c.mu.Unlock()
			c.phase = project.PhaseRunning
			c.progress = 0
			c.runID = started.RunID
		}),
		c.bus.Subscribe(bus.EventPipelineFinished, func(bus.Payload) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.phase = project.PhaseFinished
			c.progress = 1
		}),
		c.bus.Subscribe(bus.EventPipelineError, func(bus.Payload) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.phase = project.PhaseError
		}),
		c.bus.Subscribe(bus.EventProgressUpdated, func(p bus.Payload) {
			update, ok := p.(bus.ProgressUpdated)
			if !ok {
				return
			}

			c.mu.Lock()
			defer c.mu.Unlock()
			c.progress = float64(update.Percent) / 100
		}),
		c.bus.Subscribe(bus.EventEngineLog, func(p bus.Payload) {
			line, ok := p.(bus.EngineLog)
			if !ok {
				return
			}

			c.mu.Lock()
			defer c.mu.Unlock()
			c.appendLog(LogEntry{Engine: line.Engine, Line: line.Line})
		}),
	}
}

// detach removes the lifecycle mirrors. Callers hold c.mu.
func (c *Controller) detach() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}

	c.subs = nil
}

// appendLog keeps the newest maxLogLines entries. Callers hold c.mu.
func (c *Controller) appendLog(entry LogEntry) {
	c.logs = append(c.logs, entry)

	if len(c.logs) > maxLogLines {
		c.logs = c.logs[len(c.logs)-maxLogLines:]
	}
}
