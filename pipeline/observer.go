package pipeline

import "time"

// Observer receives pipeline events, e.g. to export metrics.
// Implementations must be cheap; they are called with the session locked.
type Observer interface {
	StageChanged(stage Stage, state string)
	// DateExtracted reports the pattern that matched, "fallback" or "not_found".
	DateExtracted(outcome string)
	CollaboratorCalled(stage Stage, duration time.Duration, err error)
}

const (
	OutcomeFallback = "fallback"
	OutcomeNotFound = "not_found"
)

type nopObserver struct{}

func (nopObserver) StageChanged(Stage, string)                     {}
func (nopObserver) DateExtracted(string)                           {}
func (nopObserver) CollaboratorCalled(Stage, time.Duration, error) {}
