package pipeline

import (
	"errors"
	"fmt"

	"github.com/Sumatoshi-tech/mapfree/internal/proc"
)

// ErrInvalidInput marks a run rejected before any external tool started.
var ErrInvalidInput = errors.New("invalid pipeline input")

// ValidationError reports an input problem detected during preparation.
// Retrying cannot help until the caller fixes the dataset.
type ValidationError struct {
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Reason
}

// Is reports a match for ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// stopError marks a run ended by a cooperative stop request at a stage
// boundary the subprocess wrapper never reached.
func stopError() error {
	return fmt.Errorf("pipeline: %w", proc.ErrStopped)
}

// failingStage names the stage responsible for a terminal error when the
// error carries one.
func failingStage(err error) string {
	var execErr *proc.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Stage
	}

	var watchErr *proc.WatchdogError
	if errors.As(err, &watchErr) {
		return watchErr.Stage
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return stagePrepare
	}

	return ""
}
