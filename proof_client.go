package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go-age-issuer/pipeline"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// ProofServiceClient asks a remote proof service to prove the age
// statement. Only the request id, the statement and the predicate are sent.
type ProofServiceClient struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

func NewProofServiceClient(baseURL string) *ProofServiceClient {
	return &ProofServiceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		now: time.Now,
	}
}

type proveRequest struct {
	RequestId string `json:"request_id"`
	Statement string `json:"statement"`
	Predicate bool   `json:"predicate"`
}

type proveResponse struct {
	ProofId string `json:"proof_id"`
	Proof   string `json:"proof"`
}

func (c *ProofServiceClient) Prove(ctx context.Context, request pipeline.ProofRequest) (pipeline.ProofHandle, error) {
	jsonData, err := json.Marshal(proveRequest{
		RequestId: request.RequestID,
		Statement: request.Statement,
		Predicate: request.Predicate,
	})
	if err != nil {
		return pipeline.ProofHandle{}, fmt.Errorf("failed to marshal prove request: %w", err)
	}

	url := fmt.Sprintf("%s/api/prove", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return pipeline.ProofHandle{}, fmt.Errorf("failed to create prove request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pipeline.ProofHandle{}, fmt.Errorf("failed to execute prove request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return pipeline.ProofHandle{}, fmt.Errorf("proof generation failed with status %d: %s", resp.StatusCode, string(body))
	}

	var proved proveResponse
	if err := json.NewDecoder(resp.Body).Decode(&proved); err != nil {
		return pipeline.ProofHandle{}, fmt.Errorf("failed to decode prove response: %w", err)
	}
	if proved.ProofId == "" {
		return pipeline.ProofHandle{}, errors.New("proof service returned no proof id")
	}

	slog.Info("Proof service produced proof", "request_id", request.RequestID, "proof_id", proved.ProofId)
	return pipeline.ProofHandle{
		ID:        proved.ProofId,
		Statement: request.Statement,
		AdultAge:  request.AdultAge,
		Predicate: request.Predicate,
		Proof:     proved.Proof,
		CreatedAt: c.now(),
	}, nil
}

// AttestationProver is used when no proof service is configured. It signs
// the statement and predicate with a shared HMAC key. The result is an
// attestation by this service, not a zero-knowledge proof.
type AttestationProver struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewAttestationProver(key []byte, issuer string) (*AttestationProver, error) {
	if len(key) < 32 {
		return nil, errors.New("attestation key must be at least 32 bytes")
	}
	return &AttestationProver{key: key, issuer: issuer, now: time.Now}, nil
}

type AttestationClaims struct {
	Statement string `json:"statement"`
	Predicate bool   `json:"predicate"`
	jwt.RegisteredClaims
}

func (p *AttestationProver) Prove(ctx context.Context, request pipeline.ProofRequest) (pipeline.ProofHandle, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.ProofHandle{}, err
	}

	now := p.now()
	claims := AttestationClaims{
		Statement: request.Statement,
		Predicate: request.Predicate,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Issuer:   p.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.key)
	if err != nil {
		return pipeline.ProofHandle{}, fmt.Errorf("failed to sign attestation: %w", err)
	}

	return pipeline.ProofHandle{
		ID:        claims.ID,
		Statement: request.Statement,
		AdultAge:  request.AdultAge,
		Predicate: request.Predicate,
		Proof:     signed,
		CreatedAt: now,
	}, nil
}

// VerifyAttestation parses an attestation produced by Prove.
func (p *AttestationProver) VerifyAttestation(token string) (*AttestationClaims, error) {
	claims := &AttestationClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Header["alg"])
		}
		return p.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid attestation: %w", err)
	}
	return claims, nil
}

var (
	_ pipeline.Prover = (*ProofServiceClient)(nil)
	_ pipeline.Prover = (*AttestationProver)(nil)
)
