package commands

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
)

// Stage summary statuses.
const (
	stageDone    = "done"
	stageSkipped = "skipped"
	stageFailed  = "failed"
	stageRunning = "running"
)

// stageRecord is one row of the end-of-run summary.
type stageRecord struct {
	stage    string
	status   string
	duration time.Duration
}

// eventPrinter turns bus events into terminal lines and collects
// per-stage timings for the end-of-run summary.
type eventPrinter struct {
	out io.Writer

	mu      sync.Mutex
	order   []string
	records map[string]*stageRecord
	started map[string]time.Time
	subs    []*bus.Subscription
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{
		out:     out,
		records: make(map[string]*stageRecord),
		started: make(map[string]time.Time),
	}
}

func (ep *eventPrinter) attach(b *bus.Bus) {
	ep.subs = []*bus.Subscription{
		b.Subscribe(bus.EventPipelineStarted, ep.onPipelineStarted),
		b.Subscribe(bus.EventProgressUpdated, ep.onProgress),
		b.Subscribe(bus.EventStageStarted, ep.onStageStarted),
		b.Subscribe(bus.EventStageCompleted, ep.onStageCompleted),
		b.Subscribe(bus.EventPipelineFinished, ep.onFinished),
		b.Subscribe(bus.EventPipelineError, ep.onError),
	}
}

func (ep *eventPrinter) detach() {
	for _, sub := range ep.subs {
		sub.Unsubscribe()
	}

	ep.subs = nil
}

func (ep *eventPrinter) onPipelineStarted(p bus.Payload) {
	started, ok := p.(bus.PipelineStarted)
	if !ok {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	fmt.Fprintf(ep.out, "Run %s: %d images\n", started.RunID, started.ImageCount)
}

func (ep *eventPrinter) onProgress(p bus.Payload) {
	update, ok := p.(bus.ProgressUpdated)
	if !ok || update.Message == "" {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	fmt.Fprintf(ep.out, "%s [%d%%]\n", update.Message, update.Percent)
}

func (ep *eventPrinter) onStageStarted(p bus.Payload) {
	started, ok := p.(bus.StageStarted)
	if !ok {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	rec := ep.record(started.Stage)
	if started.Skipped {
		rec.status = stageSkipped

		return
	}

	rec.status = stageRunning
	ep.started[started.Stage] = time.Now()
}

func (ep *eventPrinter) onStageCompleted(p bus.Payload) {
	completed, ok := p.(bus.StageCompleted)
	if !ok {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	rec := ep.record(completed.Stage)
	if completed.Skipped {
		rec.status = stageSkipped

		return
	}

	rec.status = stageDone

	if begun, ok := ep.started[completed.Stage]; ok {
		rec.duration = time.Since(begun)
	}
}

func (ep *eventPrinter) onFinished(p bus.Payload) {
	finished, ok := p.(bus.PipelineFinished)
	if !ok {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	color.New(color.FgGreen).Fprintf(ep.out, "DONE: pipeline finished in %s\n", finished.Duration.Round(time.Second))
}

func (ep *eventPrinter) onError(p bus.Payload) {
	failure, ok := p.(bus.PipelineError)
	if !ok {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if rec, found := ep.records[failure.Stage]; found {
		rec.status = stageFailed

		if begun, ok := ep.started[failure.Stage]; ok {
			rec.duration = time.Since(begun)
		}
	}

	color.New(color.FgRed).Fprintf(ep.out, "ERROR [%s]: %s\n", failure.Stage, failure.Message)
}

// record returns the summary row for stage, creating it in arrival order.
// Callers hold ep.mu.
func (ep *eventPrinter) record(stage string) *stageRecord {
	rec, ok := ep.records[stage]
	if ok {
		return rec
	}

	rec = &stageRecord{stage: stage}
	ep.records[stage] = rec
	ep.order = append(ep.order, stage)

	return rec
}

// summary returns the collected stage rows in arrival order.
func (ep *eventPrinter) summary() []stageRecord {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	rows := make([]stageRecord, 0, len(ep.order))
	for _, stage := range ep.order {
		rows = append(rows, *ep.records[stage])
	}

	return rows
}
