// Package audit keeps an append-only ledger of verification events. Records
// never carry the birthdate or any other document content, only stage
// outcomes and the predicate.
package audit

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindSessionStarted   Kind = "session_started"
	KindDocumentVerified Kind = "document_verified"
	KindFallbackApplied  Kind = "fallback_applied"
	KindProofGenerated   Kind = "proof_generated"
	KindCredentialIssued Kind = "credential_issued"
	KindStageFailed      Kind = "stage_failed"
	KindSessionReset     Kind = "session_reset"
	KindWalletDisconnect Kind = "wallet_disconnected"
)

type Event struct {
	ID        string
	SessionID string
	// Subject is the wallet address the session was started for, if any.
	Subject   string
	Kind      Kind
	Stage     string
	Detail    string
	CreatedAt time.Time
}

type Recorder interface {
	Record(ctx context.Context, event Event) error
	// List returns the events of a session, oldest first.
	List(ctx context.Context, sessionID string) ([]Event, error)
	Close() error
}

var ErrSessionRequired = errors.New("session id is required")

// normalize fills ID and CreatedAt and validates the required fields.
func normalize(event Event, now func() time.Time) (Event, error) {
	event.SessionID = strings.TrimSpace(event.SessionID)
	if event.SessionID == "" {
		return Event{}, ErrSessionRequired
	}
	if event.Kind == "" {
		return Event{}, errors.New("event kind is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now()
	}
	event.CreatedAt = event.CreatedAt.UTC()
	return event, nil
}

type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
	now    func() time.Time
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{now: time.Now}
}

func (m *MemoryRecorder) Record(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event, err := normalize(event, m.now)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryRecorder) List(ctx context.Context, sessionID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b Event) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryRecorder) Close() error {
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error           { return nil }
func (Nop) List(context.Context, string) ([]Event, error) { return nil, nil }
func (Nop) Close() error                                  { return nil }

var (
	_ Recorder = (*MemoryRecorder)(nil)
	_ Recorder = Nop{}
)
