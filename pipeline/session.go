package pipeline

import (
	"context"
	"sync"

	"go-age-issuer/document"
)

type Stage string

const (
	StageDocument Stage = "document"
	StageProof    Stage = "proof"
	StageIssuance Stage = "issuance"
)

type DocumentStage string

const (
	DocumentIdle     DocumentStage = "idle"
	DocumentScanning DocumentStage = "scanning"
	DocumentVerified DocumentStage = "verified"
	DocumentFailed   DocumentStage = "failed"
)

type ProofStage string

const (
	ProofIdle       ProofStage = "idle"
	ProofGenerating ProofStage = "generating"
	ProofGenerated  ProofStage = "generated"
	ProofFailed     ProofStage = "failed"
)

type IssuanceStage string

const (
	IssuanceIdle    IssuanceStage = "idle"
	IssuanceIssuing IssuanceStage = "issuing"
	IssuanceIssued  IssuanceStage = "issued"
	IssuanceFailed  IssuanceStage = "failed"
)

// DateSource tells where a verified birthdate came from.
type DateSource string

const (
	SourceNone      DateSource = ""
	SourceExtracted DateSource = "extracted"
	SourceFallback  DateSource = "fallback"
)

// Session is the state of one verification attempt. It is owned by the
// caller and mutated only through Pipeline operations; it is safe to read
// its accessors while an operation is in flight.
type Session struct {
	mu sync.Mutex
	id string

	document DocumentStage
	proof    ProofStage
	issuance IssuanceStage

	birthDate     document.Date
	dateSource    DateSource
	pattern       string
	confidence    float64
	lowConfidence bool
	progress      Progress

	proofHandle ProofHandle
	credential  CredentialHandle

	// epoch is bumped by every reset so that results of calls started
	// before the reset are discarded.
	epoch  uint64
	cancel context.CancelFunc
}

func NewSession(id string) *Session {
	s := &Session{id: id}
	s.clear()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) DocumentStage() DocumentStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.document
}

func (s *Session) ProofStage() ProofStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proof
}

func (s *Session) IssuanceStage() IssuanceStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issuance
}

// ExtractedDate returns the birthdate; ok is false unless the document
// stage is Verified.
func (s *Session) ExtractedDate() (date document.Date, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.document != DocumentVerified {
		return document.Date{}, false
	}
	return s.birthDate, true
}

func (s *Session) DateSource() DateSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dateSource
}

// LowConfidence is true when the birthdate came from the fallback policy or
// the recognition engine reported a confidence below the configured minimum.
func (s *Session) LowConfidence() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lowConfidence
}

func (s *Session) Confidence() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confidence
}

func (s *Session) ScanProgress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *Session) Proof() (ProofHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proofHandle, s.proof == ProofGenerated
}

func (s *Session) Credential() (CredentialHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential, s.issuance == IssuanceIssued
}

// Complete reports whether the flow reached its terminal state.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issuance == IssuanceIssued
}

// Snapshot is a consistent copy of a session's observable state.
type Snapshot struct {
	ID            string
	Document      DocumentStage
	Proof         ProofStage
	Issuance      IssuanceStage
	BirthDate     *document.Date
	DateSource    DateSource
	Pattern       string
	Confidence    float64
	LowConfidence bool
	Progress      Progress
	ProofHandle   *ProofHandle
	Credential    *CredentialHandle
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:            s.id,
		Document:      s.document,
		Proof:         s.proof,
		Issuance:      s.issuance,
		DateSource:    s.dateSource,
		Pattern:       s.pattern,
		Confidence:    s.confidence,
		LowConfidence: s.lowConfidence,
		Progress:      s.progress,
	}
	if s.document == DocumentVerified {
		d := s.birthDate
		snap.BirthDate = &d
	}
	if s.proof == ProofGenerated {
		p := s.proofHandle
		snap.ProofHandle = &p
	}
	if s.issuance == IssuanceIssued {
		c := s.credential
		snap.Credential = &c
	}
	return snap
}

// helpers below require s.mu to be held

func (s *Session) clear() {
	s.document = DocumentIdle
	s.proof = ProofIdle
	s.issuance = IssuanceIdle
	s.birthDate = document.Date{}
	s.dateSource = SourceNone
	s.pattern = ""
	s.confidence = 0
	s.lowConfidence = false
	s.progress = Progress{}
	s.proofHandle = ProofHandle{}
	s.credential = CredentialHandle{}
}

// beginCall derives the context of a collaborator call and registers its
// cancel func so that a reset can abort the call.
func (s *Session) beginCall(ctx context.Context) (context.Context, uint64) {
	callCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	return callCtx, s.epoch
}

// endCall reports whether the call started at epoch still owns the session.
func (s *Session) endCall(epoch uint64) bool {
	if s.epoch != epoch {
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return true
}

func (s *Session) reset() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.epoch++
	s.clear()
}
