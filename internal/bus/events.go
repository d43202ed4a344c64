package bus

import "time"

// Event names delivered over the bus. Consumers ignore names they do not
// subscribe to, so the set can grow without breaking existing listeners.
const (
	EventPipelineStarted      = "pipeline_started"
	EventPipelineFinished     = "pipeline_finished"
	EventPipelineError        = "pipeline_error"
	EventProgressUpdated      = "progress_updated"
	EventStageStarted         = "stage_started"
	EventStageCompleted       = "stage_completed"
	EventEngineLog            = "engine_log"
	EventReprojectionProgress = "reprojection_progress"
	EventVRAMSample           = "vram_sample"
	EventStopRequested        = "pipeline_stop_requested"
)

// EventNames lists every event the pipeline can publish, for consumers
// that record or display the full stream.
var EventNames = []string{
	EventPipelineStarted,
	EventPipelineFinished,
	EventPipelineError,
	EventProgressUpdated,
	EventStageStarted,
	EventStageCompleted,
	EventEngineLog,
	EventReprojectionProgress,
	EventVRAMSample,
	EventStopRequested,
}

// Payload is one event's typed body. Each event name has exactly one payload
// shape; loose maps are not accepted on the bus.
type Payload interface {
	EventName() string
}

// PipelineStarted announces a new run against a project directory.
type PipelineStarted struct {
	RunID      string `json:"run_id"`
	Project    string `json:"project"`
	ImageCount int    `json:"image_count"`
}

// EventName implements Payload.
func (PipelineStarted) EventName() string { return EventPipelineStarted }

// PipelineFinished announces a successful run end.
type PipelineFinished struct {
	RunID    string        `json:"run_id"`
	Duration time.Duration `json:"duration_ns"`
}

// EventName implements Payload.
func (PipelineFinished) EventName() string { return EventPipelineFinished }

// PipelineError announces a terminal failure.
type PipelineError struct {
	RunID   string `json:"run_id"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// EventName implements Payload.
func (PipelineError) EventName() string { return EventPipelineError }

// ProgressUpdated carries overall pipeline progress in percent.
type ProgressUpdated struct {
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// EventName implements Payload.
func (ProgressUpdated) EventName() string { return EventProgressUpdated }

// NewProgress builds a ProgressUpdated payload with the percentage clamped
// to the 0..100 range.
func NewProgress(percent int, message string) ProgressUpdated {
	return ProgressUpdated{Percent: clampPercent(percent), Message: message}
}

// StageStarted announces a stage transition. Skipped marks stages satisfied
// by a previous run's validated output.
type StageStarted struct {
	Stage   string `json:"stage"`
	Skipped bool   `json:"skipped,omitempty"`
}

// EventName implements Payload.
func (StageStarted) EventName() string { return EventStageStarted }

// StageCompleted announces a finished stage.
type StageCompleted struct {
	Stage   string `json:"stage"`
	Skipped bool   `json:"skipped,omitempty"`
}

// EventName implements Payload.
func (StageCompleted) EventName() string { return EventStageCompleted }

// EngineLog carries one output line from an external tool.
type EngineLog struct {
	Engine string `json:"engine"`
	Line   string `json:"line"`
}

// EventName implements Payload.
func (EngineLog) EventName() string { return EventEngineLog }

// ReprojectionProgress carries gdalwarp completion percentage during
// coordinate-system reprojection.
type ReprojectionProgress struct {
	Percent int    `json:"percent"`
	Product string `json:"product,omitempty"`
}

// EventName implements Payload.
func (ReprojectionProgress) EventName() string { return EventReprojectionProgress }

// NewReprojectionProgress builds a clamped reprojection progress payload.
func NewReprojectionProgress(percent int, product string) ReprojectionProgress {
	return ReprojectionProgress{Percent: clampPercent(percent), Product: product}
}

// VRAMSample is one watchdog poll of GPU memory.
type VRAMSample struct {
	UsedMB  int `json:"used_mb"`
	TotalMB int `json:"total_mb"`
}

// EventName implements Payload.
func (VRAMSample) EventName() string { return EventVRAMSample }

// StopRequested asks the running pipeline to cancel cooperatively. The
// orchestrator consumes this event; it never produces it.
type StopRequested struct {
	Reason string `json:"reason,omitempty"`
}

// EventName implements Payload.
func (StopRequested) EventName() string { return EventStopRequested }

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}

	if v > 100 {
		return 100
	}

	return v
}
