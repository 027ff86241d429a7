package orchestrator

import "errors"

// ValidationError is any precondition failure reported before a network call
// is made: missing photo, garment count out of the mode's bounds, or an
// image that could not be fetched/converted. Never retried automatically.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ErrGenerationInFlight gates every selection-mutating operation (and
// re-entrant generate calls) while a cycle is running.
var ErrGenerationInFlight = errors.New("a generation is already in progress")

// ErrClosed is returned once the orchestrator has been torn down.
var ErrClosed = errors.New("orchestrator is closed")
