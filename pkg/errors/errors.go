// Package errors provides the domain error types for the report pipeline.
//
// Sentinel errors describe domain conditions that callers test with errors.Is.
// StageError and the code registry describe why a stage attempt failed and
// whether it is worth retrying.
//
// Usage:
//
//	import lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
//
//	if lrerrors.IsNotFound(err) {
//	    // handle not found case
//	}
package errors

import "errors"

// Domain errors.
var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g., duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates invalid input or validation failure.
	ErrValidation = errors.New("validation error")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrReportTerminal is returned when work is requested for a failed or cancelled report.
	ErrReportTerminal = errors.New("report is in a terminal state")

	// ErrJobActive is returned when a stage already has a non-terminal job.
	ErrJobActive = errors.New("stage has an active job")

	// ErrUnsupportedKind is returned for a document kind with no stage graph.
	ErrUnsupportedKind = errors.New("unsupported document kind")

	// ErrUnknownStage is returned for a stage name that is not part of the report's graph.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrDependenciesUnmet is returned when a stage's dependencies have no succeeded insight.
	ErrDependenciesUnmet = errors.New("stage dependencies not satisfied")

	// ErrStorageUnavailable marks a failure of a backing store that is expected to recover.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
