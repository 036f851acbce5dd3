// Package pipeline sequences document scan, proof generation and credential
// issuance for a verification session.
//
// Stage transitions:
//
//	document: idle|failed -> scanning -> verified|failed
//	proof:    idle|failed -> generating -> generated|failed   (document verified)
//	issuance: idle|failed -> issuing -> issued|failed         (proof generated)
//
// Collaborator calls are the only suspension points. A cancelled call
// reverts its stage; Reset clears everything from any state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-age-issuer/document"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "go-age-issuer/pipeline"

type Config struct {
	Recognizer Recognizer
	Prover     Prover
	Issuer     Issuer

	Fallback FallbackPolicy
	// MinConfidence flags sessions whose recognition confidence is lower.
	// Zero disables the check.
	MinConfidence float64
	// AdultAge defaults to document.AdultAge.
	AdultAge int

	// Per-stage timeouts; zero means no timeout beyond the caller's context.
	RecognitionTimeout time.Duration
	ProofTimeout       time.Duration
	IssuanceTimeout    time.Duration

	// Clock and Location define "today" for the age predicate.
	Clock    func() time.Time
	Location *time.Location

	Observer Observer
	Tracer   trace.Tracer
}

type Pipeline struct {
	cfg      Config
	observer Observer
	tracer   trace.Tracer
}

// ScanResult describes the outcome of a successful BeginScan.
type ScanResult struct {
	Date          document.Date
	Source        DateSource
	Pattern       string
	Confidence    float64
	LowConfidence bool
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Recognizer == nil {
		return nil, errors.New("recognizer is required")
	}
	if cfg.Prover == nil {
		return nil, errors.New("prover is required")
	}
	if cfg.Issuer == nil {
		return nil, errors.New("issuer is required")
	}
	if cfg.AdultAge == 0 {
		cfg.AdultAge = document.AdultAge
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Fallback.Mode == "" {
		cfg.Fallback = FailOnNotFound()
	}

	p := &Pipeline{cfg: cfg, observer: cfg.Observer, tracer: cfg.Tracer}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	return p, nil
}

// Statement is the proof statement for the configured age threshold.
func (p *Pipeline) Statement() string {
	return fmt.Sprintf("age_over_%d", p.cfg.AdultAge)
}

// Today returns the reference date of the age predicate.
func (p *Pipeline) Today() document.Date {
	return document.DateOf(p.cfg.Clock().In(p.cfg.Location))
}

// BeginScan recognizes the text on img and extracts the birthdate from it.
func (p *Pipeline) BeginScan(ctx context.Context, s *Session, img Image) (ScanResult, error) {
	s.mu.Lock()
	from := s.document
	switch from {
	case DocumentIdle, DocumentFailed:
	case DocumentScanning:
		s.mu.Unlock()
		return ScanResult{}, newStageError(ErrConcurrentCall, StageDocument, string(from), nil)
	default:
		s.mu.Unlock()
		return ScanResult{}, newStageError(ErrInvalidTransition, StageDocument, string(from),
			errors.New("document stage must be idle or failed"))
	}
	s.document = DocumentScanning
	s.progress = Progress{}
	p.observer.StageChanged(StageDocument, string(DocumentScanning))
	callCtx, epoch := s.beginCall(ctx)
	s.mu.Unlock()

	slog.Info("Starting document scan", "session_id", s.id, "image_size", len(img.Data))

	progress := func(pr Progress) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch == epoch && s.document == DocumentScanning {
			s.progress = pr
		}
	}

	var recognition Recognition
	err := p.call(callCtx, s, StageDocument, "pipeline.recognize", p.cfg.RecognitionTimeout, func(ctx context.Context) error {
		var err error
		recognition, err = p.cfg.Recognizer.Recognize(ctx, img, progress)
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.endCall(epoch) {
		return ScanResult{}, newStageError(ErrCancelled, StageDocument, string(from), errors.New("session was reset"))
	}
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("Document scan cancelled", "session_id", s.id)
			p.setDocument(s, from)
			return ScanResult{}, newStageError(ErrCancelled, StageDocument, string(from), ctx.Err())
		}
		slog.Warn("Text recognition failed", "session_id", s.id, "error", err)
		p.setDocument(s, DocumentFailed)
		return ScanResult{}, newStageError(ErrEngineFailure, StageDocument, string(from), err)
	}

	s.confidence = recognition.Confidence
	s.progress = Progress{Status: "done", Fraction: 1}
	lowRecognition := p.cfg.MinConfidence > 0 && recognition.Confidence >= 0 && recognition.Confidence < p.cfg.MinConfidence
	if lowRecognition {
		slog.Warn("Recognition confidence below minimum", "session_id", s.id,
			"confidence", recognition.Confidence, "minimum", p.cfg.MinConfidence)
	}

	extraction, err := document.Extract(recognition.Text)
	switch {
	case err == nil:
		p.observer.DateExtracted(extraction.Pattern)
		s.birthDate = extraction.Date
		s.dateSource = SourceExtracted
		s.pattern = extraction.Pattern
		s.lowConfidence = lowRecognition
	case errors.Is(err, document.ErrDateNotFound) && p.cfg.Fallback.usesDate():
		p.observer.DateExtracted(OutcomeFallback)
		slog.Warn("No birthdate found, applying fallback date", "session_id", s.id, "policy", p.cfg.Fallback.String())
		s.birthDate = p.cfg.Fallback.Date
		s.dateSource = SourceFallback
		s.pattern = ""
		s.lowConfidence = true
	default:
		p.observer.DateExtracted(OutcomeNotFound)
		slog.Warn("No birthdate found in recognized text", "session_id", s.id, "text_length", len(recognition.Text))
		p.setDocument(s, DocumentFailed)
		return ScanResult{}, newStageError(ErrExtractionNotFound, StageDocument, string(from), err)
	}

	p.setDocument(s, DocumentVerified)
	slog.Info("Document verified", "session_id", s.id, "source", s.dateSource, "pattern", s.pattern, "low_confidence", s.lowConfidence)

	return ScanResult{
		Date:          s.birthDate,
		Source:        s.dateSource,
		Pattern:       s.pattern,
		Confidence:    s.confidence,
		LowConfidence: s.lowConfidence,
	}, nil
}

// GenerateProof computes the age predicate and asks the prover to prove it.
// Only the boolean leaves the session.
func (p *Pipeline) GenerateProof(ctx context.Context, s *Session) (ProofHandle, error) {
	s.mu.Lock()
	from := s.proof
	if from == ProofGenerating {
		s.mu.Unlock()
		return ProofHandle{}, newStageError(ErrConcurrentCall, StageProof, string(from), nil)
	}
	if s.document != DocumentVerified {
		doc := s.document
		s.mu.Unlock()
		return ProofHandle{}, newStageError(ErrInvalidTransition, StageProof, string(from),
			fmt.Errorf("document stage is %s, must be %s", doc, DocumentVerified))
	}
	if from != ProofIdle && from != ProofFailed {
		s.mu.Unlock()
		return ProofHandle{}, newStageError(ErrInvalidTransition, StageProof, string(from),
			errors.New("proof stage must be idle or failed"))
	}
	birth := s.birthDate
	p.setProof(s, ProofGenerating)
	callCtx, epoch := s.beginCall(ctx)
	s.mu.Unlock()

	req := ProofRequest{
		RequestID: uuid.NewString(),
		Statement: p.Statement(),
		AdultAge:  p.cfg.AdultAge,
		Predicate: document.IsOver(birth, p.Today(), p.cfg.AdultAge),
	}
	slog.Info("Generating proof", "session_id", s.id, "request_id", req.RequestID, "statement", req.Statement)

	var handle ProofHandle
	err := p.call(callCtx, s, StageProof, "pipeline.prove", p.cfg.ProofTimeout, func(ctx context.Context) error {
		var err error
		handle, err = p.cfg.Prover.Prove(ctx, req)
		if err == nil && handle.ID == "" {
			err = errors.New("proof service returned an empty handle")
		}
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.endCall(epoch) {
		return ProofHandle{}, newStageError(ErrCancelled, StageProof, string(from), errors.New("session was reset"))
	}
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("Proof generation cancelled", "session_id", s.id)
			p.setProof(s, from)
			return ProofHandle{}, newStageError(ErrCancelled, StageProof, string(from), ctx.Err())
		}
		slog.Warn("Proof generation failed", "session_id", s.id, "error", err)
		p.setProof(s, ProofFailed)
		return ProofHandle{}, newStageError(ErrEngineFailure, StageProof, string(from), err)
	}

	handle.Statement = req.Statement
	handle.AdultAge = req.AdultAge
	handle.Predicate = req.Predicate
	if handle.CreatedAt.IsZero() {
		handle.CreatedAt = p.cfg.Clock()
	}
	s.proofHandle = handle
	p.setProof(s, ProofGenerated)
	slog.Info("Proof generated", "session_id", s.id, "proof_id", handle.ID)
	return handle, nil
}

// IssueCredential hands the generated proof to the issuer.
func (p *Pipeline) IssueCredential(ctx context.Context, s *Session) (CredentialHandle, error) {
	s.mu.Lock()
	from := s.issuance
	if from == IssuanceIssuing {
		s.mu.Unlock()
		return CredentialHandle{}, newStageError(ErrConcurrentCall, StageIssuance, string(from), nil)
	}
	if s.proof != ProofGenerated {
		proof := s.proof
		s.mu.Unlock()
		return CredentialHandle{}, newStageError(ErrInvalidTransition, StageIssuance, string(from),
			fmt.Errorf("proof stage is %s, must be %s", proof, ProofGenerated))
	}
	if from != IssuanceIdle && from != IssuanceFailed {
		s.mu.Unlock()
		return CredentialHandle{}, newStageError(ErrInvalidTransition, StageIssuance, string(from),
			errors.New("issuance stage must be idle or failed"))
	}
	proof := s.proofHandle
	p.setIssuance(s, IssuanceIssuing)
	callCtx, epoch := s.beginCall(ctx)
	s.mu.Unlock()

	slog.Info("Issuing credential", "session_id", s.id, "proof_id", proof.ID)

	var credential CredentialHandle
	err := p.call(callCtx, s, StageIssuance, "pipeline.issue", p.cfg.IssuanceTimeout, func(ctx context.Context) error {
		var err error
		credential, err = p.cfg.Issuer.Issue(ctx, proof)
		if err == nil && credential.ID == "" {
			err = errors.New("issuer returned an empty credential handle")
		}
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.endCall(epoch) {
		return CredentialHandle{}, newStageError(ErrCancelled, StageIssuance, string(from), errors.New("session was reset"))
	}
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("Credential issuance cancelled", "session_id", s.id)
			p.setIssuance(s, from)
			return CredentialHandle{}, newStageError(ErrCancelled, StageIssuance, string(from), ctx.Err())
		}
		slog.Warn("Credential issuance failed", "session_id", s.id, "error", err)
		p.setIssuance(s, IssuanceFailed)
		return CredentialHandle{}, newStageError(ErrEngineFailure, StageIssuance, string(from), err)
	}

	if credential.IssuedAt.IsZero() {
		credential.IssuedAt = p.cfg.Clock()
	}
	s.credential = credential
	p.setIssuance(s, IssuanceIssued)
	slog.Info("Credential issued", "session_id", s.id, "credential_id", credential.ID)
	return credential, nil
}

// Reset returns the session to its initial state from any state. A
// collaborator call in flight is cancelled and its result discarded.
// Only stages that were not already idle report a transition.
func (p *Pipeline) Reset(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, proof, issuance := s.document, s.proof, s.issuance
	s.reset()
	if doc != DocumentIdle {
		p.observer.StageChanged(StageDocument, string(DocumentIdle))
	}
	if proof != ProofIdle {
		p.observer.StageChanged(StageProof, string(ProofIdle))
	}
	if issuance != IssuanceIdle {
		p.observer.StageChanged(StageIssuance, string(IssuanceIdle))
	}
	slog.Info("Session reset", "session_id", s.id)
}

// call runs one collaborator invocation inside a span, bounded by timeout.
func (p *Pipeline) call(ctx context.Context, s *Session, stage Stage, spanName string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("pipeline.stage", string(stage)),
	))
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	p.observer.CollaboratorCalled(stage, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) setDocument(s *Session, state DocumentStage) {
	s.document = state
	p.observer.StageChanged(StageDocument, string(state))
}

func (p *Pipeline) setProof(s *Session, state ProofStage) {
	s.proof = state
	p.observer.StageChanged(StageProof, string(state))
}

func (p *Pipeline) setIssuance(s *Session, state IssuanceStage) {
	s.issuance = state
	p.observer.StageChanged(StageIssuance, string(state))
}
