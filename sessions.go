package main

import (
	"log/slog"
	"sync"
	"time"

	"go-age-issuer/pipeline"
)

// sessionEntry is a pipeline session plus what the host knows about it.
type sessionEntry struct {
	session  *pipeline.Session
	subject  string
	lastSeen time.Time
}

// SessionRegistry holds the live verification sessions of this process.
// Sessions are not shared between replicas; the nonce storage is.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	now      func() time.Time
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*sessionEntry),
		now:      time.Now,
	}
}

func (r *SessionRegistry) Create(id, subject string) *pipeline.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := pipeline.NewSession(id)
	r.sessions[id] = &sessionEntry{session: s, subject: subject, lastSeen: r.now()}
	return s
}

// Get returns the session and its subject and marks it as used.
func (r *SessionRegistry) Get(id string) (*pipeline.Session, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, "", false
	}
	e.lastSeen = r.now()
	return e.session, e.subject, true
}

func (r *SessionRegistry) Remove(id string) (*pipeline.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	return e.session, true
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// PruneIdle removes sessions unused for longer than idle and returns them so
// the caller can reset them. Sessions with a stage in progress are kept.
func (r *SessionRegistry) PruneIdle(idle time.Duration) []*pipeline.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idle)
	var pruned []*pipeline.Session
	for id, e := range r.sessions {
		if e.lastSeen.After(cutoff) || inProgress(e.session) {
			continue
		}
		delete(r.sessions, id)
		pruned = append(pruned, e.session)
	}
	if len(pruned) > 0 {
		slog.Debug("Pruned idle sessions", "count", len(pruned), "remaining", len(r.sessions))
	}
	return pruned
}

func inProgress(s *pipeline.Session) bool {
	snap := s.Snapshot()
	return snap.Document == pipeline.DocumentScanning ||
		snap.Proof == pipeline.ProofGenerating ||
		snap.Issuance == pipeline.IssuanceIssuing
}
