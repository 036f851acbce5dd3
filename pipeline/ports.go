package pipeline

import (
	"context"
	"time"
)

// abstract collaborator interfaces, production implementations live in the
// host application and tests supply fakes

// Image is an uploaded document image.
type Image struct {
	Data        []byte
	ContentType string
}

// Progress is one event of the recognition progress stream.
type Progress struct {
	Status string
	// Fraction is in [0, 1].
	Fraction float64
}

// ProgressFunc receives progress events while a recognition is running.
// It may be called from any goroutine but never after Recognize returns.
type ProgressFunc func(Progress)

// Recognition is the output of the text recognition engine.
type Recognition struct {
	Text string
	// Confidence is in [0, 1]; a negative value means the engine did not report one.
	Confidence float64
}

type Recognizer interface {
	Recognize(ctx context.Context, img Image, progress ProgressFunc) (Recognition, error)
}

// ProofRequest carries the predicate and nothing else derived from the document.
type ProofRequest struct {
	// RequestID is unique per attempt so the proof service can deduplicate retries.
	RequestID string
	Statement string
	// AdultAge is the threshold the predicate was evaluated against.
	AdultAge  int
	Predicate bool
}

type ProofHandle struct {
	ID        string
	Statement string
	AdultAge  int
	Predicate bool
	// Proof is the opaque proof or attestation produced by the service.
	Proof     string
	CreatedAt time.Time
}

type Prover interface {
	Prove(ctx context.Context, req ProofRequest) (ProofHandle, error)
}

type CredentialHandle struct {
	ID string
	// Token is what the holder's wallet needs to collect the credential,
	// e.g. a signed issuance session request.
	Token     string
	ServerURL string
	IssuedAt  time.Time
}

type Issuer interface {
	Issue(ctx context.Context, proof ProofHandle) (CredentialHandle, error)
}
