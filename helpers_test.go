package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go-age-issuer/audit"
	"go-age-issuer/metrics"
	"go-age-issuer/models"
	"go-age-issuer/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var testConfig = ServerConfig{
	Host:         "localhost",
	Port:         8081,
	WriteTimeout: Duration(10 * time.Second),
}

// testToday is the reference date of the test pipeline.
var testToday = time.Date(2031, time.June, 15, 12, 0, 0, 0, time.UTC)

// fakeRecognizer returns the configured text, or err, for every scan.
type fakeRecognizer struct {
	mu         sync.Mutex
	text       string
	confidence float64
	err        error
	calls      int
}

func (f *fakeRecognizer) Recognize(ctx context.Context, _ pipeline.Image, progress pipeline.ProgressFunc) (pipeline.Recognition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if progress != nil {
		progress(pipeline.Progress{Status: "recognizing text", Fraction: 0.5})
	}
	if err := ctx.Err(); err != nil {
		return pipeline.Recognition{}, err
	}
	if f.err != nil {
		return pipeline.Recognition{}, f.err
	}
	return pipeline.Recognition{Text: f.text, Confidence: f.confidence}, nil
}

func (f *fakeRecognizer) set(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text, f.err = text, err
}

type fakeProver struct{}

func (fakeProver) Prove(_ context.Context, request pipeline.ProofRequest) (pipeline.ProofHandle, error) {
	return pipeline.ProofHandle{
		ID:        "proof-" + request.RequestID,
		Statement: request.Statement,
		Predicate: request.Predicate,
		Proof:     "test-proof",
	}, nil
}

type fakeIssuer struct{ jwt string }

func (f fakeIssuer) Issue(_ context.Context, proof pipeline.ProofHandle) (pipeline.CredentialHandle, error) {
	return pipeline.CredentialHandle{ID: "credential-" + proof.ID, Token: f.jwt}, nil
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

type testServer struct {
	url        string
	storage    *InMemoryTokenStorage
	recognizer *fakeRecognizer
	audit      *audit.MemoryRecorder
	state      *ServerState
}

type testServerOpt func(*pipeline.Config, *ServerState)

func withFallbackDate(date string) testServerOpt {
	return func(cfg *pipeline.Config, _ *ServerState) {
		policy, err := pipeline.ParseFallbackPolicy(string(pipeline.FallbackDate), date)
		if err != nil {
			panic(err)
		}
		cfg.Fallback = policy
	}
}

func withRecognizerHealth(h healthChecker) testServerOpt {
	return func(_ *pipeline.Config, state *ServerState) {
		state.recognizerHealth = h
	}
}

// startTestServer serves a server wired with fakes on an httptest listener.
func startTestServer(t *testing.T, opts ...testServerOpt) *testServer {
	t.Helper()

	recognizer := &fakeRecognizer{text: "Geboortedatum / Date of birth 15.06.1995", confidence: 0.9}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cfg := pipeline.Config{
		Recognizer: recognizer,
		Prover:     fakeProver{},
		Issuer:     fakeIssuer{jwt: "test-jwt"},
		Clock:      func() time.Time { return testToday },
		Observer:   m,
	}
	state := &ServerState{
		irmaServerURL: "https://irma.example",
		tokenStorage:  NewInMemoryTokenStorage(),
		sessions:      NewSessionRegistry(),
		audit:         audit.NewMemoryRecorder(),
		metrics:       m,
		gatherer:      reg,
	}
	for _, opt := range opts {
		opt(&cfg, state)
	}

	p, err := pipeline.New(cfg)
	require.NoError(t, err)
	state.pipeline = p

	srv, err := NewServer(state, testConfig)
	require.NoError(t, err)

	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)

	return &testServer{
		url:        httpServer.URL,
		storage:    state.tokenStorage.(*InMemoryTokenStorage),
		recognizer: recognizer,
		audit:      state.audit.(*audit.MemoryRecorder),
		state:      state,
	}
}

func postJSON[T any](t *testing.T, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}

	resp, err := http.Post(url, "application/json", body)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded T
	if resp.StatusCode == http.StatusOK && len(respBody) > 0 {
		require.NoError(t, json.Unmarshal(respBody, &decoded))
	}
	return resp, respBody, &decoded
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "unexpected status, body: %s", body)
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var errResp models.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	return errResp.Error
}

// startVerification opens a session and returns its id and nonce.
func (s *testServer) startVerification(t *testing.T) (sessionID, nonce string) {
	t.Helper()
	resp, body, start := postJSON[models.StartVerificationResponse](t, s.url+"/api/start-verification",
		models.StartVerificationRequest{WalletAddress: "wallet-1"})
	mustStatus(t, resp, http.StatusOK, body)
	require.NotEmpty(t, start.SessionId)
	require.NotEmpty(t, start.Nonce)
	return start.SessionId, start.Nonce
}

func (s *testServer) scan(t *testing.T, sessionID, nonce string) (*http.Response, []byte, *models.ScanResponse) {
	t.Helper()
	return postJSON[models.ScanResponse](t, s.url+"/api/scan", models.ScanRequest{
		SessionId: sessionID,
		Nonce:     nonce,
		Image:     base64.StdEncoding.EncodeToString(testDocumentImage(t)),
	})
}

// testDocumentImage renders a small JPEG standing in for a document photo.
func testDocumentImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 6), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}
