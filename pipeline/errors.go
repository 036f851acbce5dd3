package pipeline

import (
	"errors"
	"fmt"
)

// Error kinds returned by the pipeline. Every error returned by a stage
// operation is a *StageError wrapping exactly one of these.
var (
	// ErrExtractionNotFound: no birthdate could be extracted and the fallback
	// policy is to fail the document stage.
	ErrExtractionNotFound = errors.New("extraction not found")

	// ErrEngineFailure: a collaborator reported an error or timed out. The
	// stage is Failed and can be retried.
	ErrEngineFailure = errors.New("engine failure")

	// ErrInvalidTransition: the call violated the stage order. Nothing changed.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrentCall: the stage is already in progress. Nothing changed.
	ErrConcurrentCall = errors.New("concurrent call rejected")

	// ErrCancelled: the caller's context was cancelled, or the session was
	// reset, while the stage was suspended. The stage was reverted.
	ErrCancelled = errors.New("stage cancelled")
)

type StageError struct {
	Kind  error
	Stage Stage
	// State is the stage's state when the call was made.
	State string
	Cause error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s stage (%s): %v: %v", e.Stage, e.State, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s stage (%s): %v", e.Stage, e.State, e.Kind)
}

func (e *StageError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// KindOf returns the error kind of a pipeline error, or nil if err is not
// a pipeline error.
func KindOf(err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return nil
}

func newStageError(kind error, stage Stage, state string, cause error) *StageError {
	return &StageError{Kind: kind, Stage: stage, State: state, Cause: cause}
}
