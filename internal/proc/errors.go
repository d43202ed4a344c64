package proc

import (
	"errors"
	"fmt"
)

// ErrExecutionFailed marks an external tool that exited non-zero or
// timed out after exhausting its retry budget.
var ErrExecutionFailed = errors.New("engine execution failed")

// ErrStopped is returned when a stop request killed the running tool.
// Stop is not a failure: the wrapper does not retry a stopped command.
var ErrStopped = errors.New("execution stopped by request")

// ErrVRAMExceeded marks a subprocess killed by the VRAM watchdog, as
// opposed to a tool crash. The dense stage catches it and retries with
// a downscaled profile.
var ErrVRAMExceeded = errors.New("vram threshold exceeded")

// ExecutionError carries the failing stage, the attempt count, and the
// tail of the captured output for diagnosis without opening the stage log.
type ExecutionError struct {
	Stage    string
	Detail   string
	Tail     []string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %s", e.Stage, e.Attempts, e.Detail)
}

// Unwrap returns the underlying cause of the final attempt.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is reports a match for ErrExecutionFailed.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecutionFailed
}

// WatchdogError reports the GPU memory sample that tripped the watchdog.
type WatchdogError struct {
	Stage   string
	UsedMB  int
	TotalMB int
	Ratio   float64
}

// Error implements the error interface.
func (e *WatchdogError) Error() string {
	return fmt.Sprintf("%s killed by vram watchdog: %d/%d MB in use (ratio %.2f)",
		e.Stage, e.UsedMB, e.TotalMB, e.Ratio)
}

// Is reports a match for ErrVRAMExceeded.
func (e *WatchdogError) Is(target error) bool {
	return target == ErrVRAMExceeded
}
