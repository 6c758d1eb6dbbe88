package pipeline

import (
	"errors"

	"github.com/safeharbour/harbour/internal/audit"
	"github.com/safeharbour/harbour/internal/recognize"
)

// ErrInvalidInput matches every *InputError.
var ErrInvalidInput = errors.New("invalid input")

// InputError reports a request that could not be decoded or that breaks a
// configured limit.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	if e.Err == nil {
		return "Invalid JSON input"
	}
	return "Invalid JSON input: " + e.Err.Error()
}

func (e *InputError) Unwrap() error { return e.Err }

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

// ProcessingError wraps any unexpected failure during extraction.
type ProcessingError struct {
	Err error
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return "Processing error"
	}
	return "Processing error: " + e.Err.Error()
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Message renders err as the single string reported to callers.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var inErr *InputError
	var procErr *ProcessingError
	switch {
	case errors.As(err, &inErr):
		return inErr.Error()
	case errors.As(err, &procErr):
		return procErr.Error()
	case errors.Is(err, recognize.ErrUnavailable):
		return err.Error()
	default:
		return (&ProcessingError{Err: err}).Error()
	}
}

// Classify maps err onto an audit outcome.
func Classify(err error) audit.Outcome {
	switch {
	case err == nil:
		return audit.OutcomeOK
	case errors.Is(err, ErrInvalidInput):
		return audit.OutcomeInvalidInput
	case errors.Is(err, recognize.ErrUnavailable):
		return audit.OutcomeUnavailable
	default:
		return audit.OutcomeError
	}
}
