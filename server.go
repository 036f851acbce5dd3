package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go-age-issuer/audit"
	"go-age-issuer/images"
	"go-age-issuer/metrics"
	"go-age-issuer/models"
	"go-age-issuer/pipeline"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const ErrorInternal = "error:internal"
const ErrorInvalidRequest = "error:invalid_request"
const ErrorInvalidSession = "error:invalid_session"
const ERR_MARSHAL = "failed to marshal response message"
const ERR_TOKEN_REMOVAL = "failed to remove token from storage"
const ERR_TOKEN_RETRIEVAL = "failed to get nonce from storage"
const ERR_INVALID_NONCE_SESSION = "invalid session or nonce"

// maxRequestBytes bounds request bodies; scans carry a base64 image.
const maxRequestBytes = 20 << 20

type ServerConfig struct {
	Host           string `json:"host" env:"HOST"`
	Port           int    `json:"port" env:"PORT"`
	UseTls         bool   `json:"use_tls,omitempty" env:"USE_TLS"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty" env:"TLS_PRIV_KEY_PATH"`
	TlsCertPath    string `json:"tls_cert_path,omitempty" env:"TLS_CERT_PATH"`
	// WriteTimeout must cover the slowest stage, recognition of a large scan.
	WriteTimeout Duration `json:"write_timeout,omitempty" env:"WRITE_TIMEOUT"`
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

type ServerState struct {
	irmaServerURL string
	tokenStorage  TokenStorage
	sessions      *SessionRegistry
	pipeline      *pipeline.Pipeline
	audit         audit.Recorder
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	// recognizerHealth is optional, it is consulted by /api/health?deep=true
	recognizerHealth healthChecker
}

type Server struct {
	server *http.Server
	config ServerConfig
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	} else {
		slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
		return s.server.ListenAndServe()
	}
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	if state.pipeline == nil || state.sessions == nil || state.tokenStorage == nil {
		return nil, errors.New("server state is missing the pipeline, session registry or token storage")
	}
	if state.audit == nil {
		state.audit = audit.Nop{}
	}
	if state.gatherer == nil {
		state.gatherer = prometheus.DefaultGatherer
	}

	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)
	router := mux.NewRouter()

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(state, w, r)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(state.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	router.HandleFunc("/api/start-verification", func(w http.ResponseWriter, r *http.Request) {
		handleStartVerification(state, w, r)
	})
	router.HandleFunc("/api/scan", func(w http.ResponseWriter, r *http.Request) {
		handleScan(state, w, r)
	})
	router.HandleFunc("/api/generate-proof", func(w http.ResponseWriter, r *http.Request) {
		handleGenerateProof(state, w, r)
	})
	router.HandleFunc("/api/issue-credential", func(w http.ResponseWriter, r *http.Request) {
		handleIssueCredential(state, w, r)
	})
	router.HandleFunc("/api/session-status", func(w http.ResponseWriter, r *http.Request) {
		handleSessionStatus(state, w, r)
	})
	router.HandleFunc("/api/reset", func(w http.ResponseWriter, r *http.Request) {
		handleReset(state, w, r)
	})
	router.HandleFunc("/api/disconnect", func(w http.ResponseWriter, r *http.Request) {
		handleDisconnect(state, w, r)
	})

	slog.Debug("Registered all API routes")

	writeTimeout := time.Duration(config.WriteTimeout)
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Minute
	}

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler:           router,
		Addr:              addr,
		WriteTimeout:      writeTimeout,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
	}, nil
}

func handleHealth(state *ServerState, w http.ResponseWriter, r *http.Request) {
	slog.Debug("Health check request received")
	if r.URL.Query().Get("deep") == "true" && state.recognizerHealth != nil {
		if err := state.recognizerHealth.HealthCheck(r.Context()); err != nil {
			respondWithErr(w, http.StatusServiceUnavailable, "error:recognizer_unavailable", "recognition service health check failed", err)
			return
		}
	}
	if err := writeJSON(w, http.StatusOK, map[string]bool{"ok": true}); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

func handleStartVerification(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received request to start verification")

	var request models.StartVerificationRequest
	if err := decodeOptionalBody(w, r, &request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, "failed to decode start request", err)
		return
	}

	sessionId := GenerateSessionId()
	if sessionId == "" {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to generate session ID", fmt.Errorf("failed to generate session ID"))
		return
	}

	// Generate an 8 byte nonce
	nonce, err := GenerateNonce(8)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to generate nonce", err)
		return
	}

	slog.Debug("Storing nonce in token storage", "session_id", sessionId)
	if err := state.tokenStorage.StoreToken(r.Context(), sessionId, nonce); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to store nonce", err)
		return
	}

	state.sessions.Create(sessionId, request.WalletAddress)
	state.metrics.SetActiveSessions(state.sessions.Len())
	recordAudit(r.Context(), state, audit.Event{
		SessionID: sessionId,
		Subject:   request.WalletAddress,
		Kind:      audit.KindSessionStarted,
	})

	response := models.StartVerificationResponse{
		SessionId: sessionId,
		Nonce:     nonce,
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}

	slog.Info("Verification started successfully", "session_id", sessionId)
}

func handleScan(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.ScanRequest
	if err := decodeBody(w, r, &request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, "failed to decode scan request", err)
		return
	}
	session, subject, ok := authenticate(state, w, r, request.SessionId, request.Nonce)
	if !ok {
		return
	}

	slog.Info("Received document scan", "session_id", request.SessionId)

	data, err := images.DecodeBase64(request.Image)
	if err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, "failed to decode scan image", err)
		return
	}

	result, err := state.pipeline.BeginScan(r.Context(), session, pipeline.Image{Data: data})
	if err != nil {
		respondWithPipelineErr(r.Context(), state, w, session, subject, err)
		return
	}

	kind := audit.KindDocumentVerified
	if result.Source == pipeline.SourceFallback {
		kind = audit.KindFallbackApplied
	}
	recordAudit(r.Context(), state, audit.Event{
		SessionID: session.ID(),
		Subject:   subject,
		Kind:      kind,
		Stage:     string(pipeline.StageDocument),
		Detail:    fmt.Sprintf("pattern=%s low_confidence=%t", result.Pattern, result.LowConfidence),
	})

	response := models.ScanResponse{
		DocumentStage: string(pipeline.DocumentVerified),
		BirthDate:     result.Date.String(),
		Pattern:       result.Pattern,
		Fallback:      result.Source == pipeline.SourceFallback,
		LowConfidence: result.LowConfidence,
		Confidence:    result.Confidence,
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleGenerateProof(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.SessionRequest
	if err := decodeBody(w, r, &request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, "failed to decode proof request", err)
		return
	}
	session, subject, ok := authenticate(state, w, r, request.SessionId, request.Nonce)
	if !ok {
		return
	}

	slog.Info("Received request to generate proof", "session_id", request.SessionId)

	proof, err := state.pipeline.GenerateProof(r.Context(), session)
	if err != nil {
		respondWithPipelineErr(r.Context(), state, w, session, subject, err)
		return
	}

	recordAudit(r.Context(), state, audit.Event{
		SessionID: session.ID(),
		Subject:   subject,
		Kind:      audit.KindProofGenerated,
		Stage:     string(pipeline.StageProof),
		Detail:    fmt.Sprintf("proof_id=%s predicate=%t", proof.ID, proof.Predicate),
	})

	response := models.ProofResponse{
		ProofId:   proof.ID,
		Statement: proof.Statement,
		Predicate: proof.Predicate,
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleIssueCredential(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.SessionRequest
	if err := decodeBody(w, r, &request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, "failed to decode issuance request", err)
		return
	}
	session, subject, ok := authenticate(state, w, r, request.SessionId, request.Nonce)
	if !ok {
		return
	}

	slog.Info("Received request to issue credential", "session_id", request.SessionId)

	credential, err := state.pipeline.IssueCredential(r.Context(), session)
	if err != nil {
		respondWithPipelineErr(r.Context(), state, w, session, subject, err)
		return
	}

	recordAudit(r.Context(), state, audit.Event{
		SessionID: session.ID(),
		Subject:   subject,
		Kind:      audit.KindCredentialIssued,
		Stage:     string(pipeline.StageIssuance),
		Detail:    "credential_id=" + credential.ID,
	})

	serverURL := credential.ServerURL
	if serverURL == "" {
		serverURL = state.irmaServerURL
	}
	response := models.IssuanceResponse{
		CredentialId:  credential.ID,
		Jwt:           credential.Token,
		IrmaServerURL: serverURL,
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}

	slog.Info("Credential issued successfully", "session_id", request.SessionId)
}

func handleSessionStatus(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.SessionRequest
	if err := decodeBody(w, r, &request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, "failed to decode status request", err)
		return
	}
	session, _, ok := authenticate(state, w, r, request.SessionId, request.Nonce)
	if !ok {
		return
	}

	snap := session.Snapshot()
	response := models.SessionStatusResponse{
		SessionId:     snap.ID,
		DocumentStage: string(snap.Document),
		ProofStage:    string(snap.Proof),
		IssuanceStage: string(snap.Issuance),
		DateSource:    string(snap.DateSource),
		LowConfidence: snap.LowConfidence,
		Progress: models.ProgressResponse{
			Status:   snap.Progress.Status,
			Progress: snap.Progress.Fraction,
		},
		Complete: snap.Issuance == pipeline.IssuanceIssued,
	}
	if snap.BirthDate != nil {
		response.BirthDate = snap.BirthDate.String()
	}
	if snap.ProofHandle != nil {
		response.ProofId = snap.ProofHandle.ID
	}
	if snap.Credential != nil {
		response.CredentialId = snap.Credential.ID
	}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleReset(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.SessionRequest
	if err := decodeBody(w, r, &request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, "failed to decode reset request", err)
		return
	}
	session, subject, ok := authenticate(state, w, r, request.SessionId, request.Nonce)
	if !ok {
		return
	}

	state.pipeline.Reset(session)
	recordAudit(r.Context(), state, audit.Event{
		SessionID: session.ID(),
		Subject:   subject,
		Kind:      audit.KindSessionReset,
	})

	if err := writeJSON(w, http.StatusOK, map[string]bool{"ok": true}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

// handleDisconnect resets the session and forgets it together with its nonce.
func handleDisconnect(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.SessionRequest
	if err := decodeBody(w, r, &request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidRequest, "failed to decode disconnect request", err)
		return
	}
	_, subject, ok := authenticate(state, w, r, request.SessionId, request.Nonce)
	if !ok {
		return
	}

	if session, ok := state.sessions.Remove(request.SessionId); ok {
		state.pipeline.Reset(session)
	}
	state.metrics.SetActiveSessions(state.sessions.Len())
	recordAudit(r.Context(), state, audit.Event{
		SessionID: request.SessionId,
		Subject:   subject,
		Kind:      audit.KindWalletDisconnect,
	})

	if !removeSessionToken(r.Context(), w, state.tokenStorage, request.SessionId) {
		return
	}

	if err := writeJSON(w, http.StatusOK, map[string]bool{"ok": true}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
	slog.Info("Wallet disconnected", "session_id", request.SessionId)
}

// -----------------------------------------------------------------------------------

// authenticate checks the nonce and looks the session up, responding on failure.
func authenticate(state *ServerState, w http.ResponseWriter, r *http.Request, sessionId, nonce string) (*pipeline.Session, string, bool) {
	if err := validateSession(r.Context(), state.tokenStorage, sessionId, nonce); err != nil {
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidSession, ERR_INVALID_NONCE_SESSION, err)
		return nil, "", false
	}
	session, subject, ok := state.sessions.Get(sessionId)
	if !ok {
		respondWithErr(w, http.StatusNotFound, ErrorInvalidSession, "session not held by this server", fmt.Errorf("unknown session %s", sessionId))
		return nil, "", false
	}
	return session, subject, true
}

// validateSession validates session and nonce
func validateSession(ctx context.Context, storage TokenStorage, sessionId, nonce string) error {
	slog.Debug("Validating session and nonce", "session_id", sessionId)
	if sessionId == "" {
		return fmt.Errorf("%s: missing session id", ERR_INVALID_NONCE_SESSION)
	}
	storedNonce, err := storage.RetrieveToken(ctx, sessionId)
	if err != nil {
		slog.Warn("Failed to retrieve token from storage", "session_id", sessionId, "error", err)
		return fmt.Errorf("%s: %w", ERR_TOKEN_RETRIEVAL, err)
	}

	if storedNonce == "" || storedNonce != nonce {
		slog.Warn("Invalid nonce or session", "session_id", sessionId, "nonce_empty", storedNonce == "", "nonce_match", storedNonce == nonce)
		return fmt.Errorf("%s", ERR_INVALID_NONCE_SESSION)
	}

	slog.Debug("Session validation successful", "session_id", sessionId)
	return nil
}

// removeSessionToken removes token and responds with an error if that fails
func removeSessionToken(ctx context.Context, w http.ResponseWriter, storage TokenStorage, sessionId string) bool {
	slog.Debug("Removing session token", "session_id", sessionId)
	if err := storage.RemoveToken(ctx, sessionId); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_TOKEN_REMOVAL, err)
		return false
	}
	slog.Debug("Session token removed successfully", "session_id", sessionId)
	return true
}

// pipelineErrorStatus maps a pipeline error kind to an HTTP status and error code.
func pipelineErrorStatus(kind error) (int, string) {
	switch kind {
	case pipeline.ErrInvalidTransition:
		return http.StatusConflict, "error:invalid_transition"
	case pipeline.ErrConcurrentCall:
		return http.StatusConflict, "error:in_progress"
	case pipeline.ErrExtractionNotFound:
		return http.StatusUnprocessableEntity, "error:date_not_found"
	case pipeline.ErrEngineFailure:
		return http.StatusBadGateway, "error:engine_failure"
	case pipeline.ErrCancelled:
		return http.StatusRequestTimeout, "error:cancelled"
	default:
		return http.StatusInternalServerError, ErrorInternal
	}
}

func respondWithPipelineErr(ctx context.Context, state *ServerState, w http.ResponseWriter, session *pipeline.Session, subject string, err error) {
	kind := pipeline.KindOf(err)
	code, body := pipelineErrorStatus(kind)

	var stageErr *pipeline.StageError
	if (kind == pipeline.ErrEngineFailure || kind == pipeline.ErrExtractionNotFound) && errors.As(err, &stageErr) {
		recordAudit(ctx, state, audit.Event{
			SessionID: session.ID(),
			Subject:   subject,
			Kind:      audit.KindStageFailed,
			Stage:     string(stageErr.Stage),
			Detail:    kind.Error(),
		})
	}
	respondWithErr(w, code, body, "pipeline operation failed", err)
}

// recordAudit writes to the audit ledger; failures are logged, never surfaced.
func recordAudit(ctx context.Context, state *ServerState, event audit.Event) {
	if err := state.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		slog.Warn("Failed to record audit event", "session_id", event.SessionID, "kind", event.Kind, "error", err)
	}
}

func GenerateSessionId() string {
	sessionId := make([]byte, 16)
	if _, err := rand.Read(sessionId); err != nil {
		slog.Error("failed to generate session ID", "error", err)
		return ""
	}
	hexId := fmt.Sprintf("%x", sessionId)
	slog.Debug("Session ID generated successfully", "session_id", hexId)
	return hexId
}

// GenerateNonce Generates a random nonce
func GenerateNonce(i int) (string, error) {
	nonce := make([]byte, i)
	if _, err := rand.Read(nonce); err != nil {
		slog.Error("failed to generate nonce", "error", err)
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	hexString := hex.EncodeToString(nonce)
	slog.Debug("Nonce generated successfully", "length", i)
	return hexString, nil
}

func respondWithErr(w http.ResponseWriter, code int, responseBody string, logMsg string, e error) {
	slog.Error(logMsg, "error", e, "status_code", code, "response_body", responseBody)
	body := models.ErrorResponse{Error: responseBody}
	if e != nil {
		body.Message = e.Error()
	}
	if err := writeJSON(w, code, body); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

// helpers ------------

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}
}

func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		slog.Debug("Non-POST request rejected", "method", r.Method, "path", r.URL.Path)
		respondWithErr(w, http.StatusMethodNotAllowed, "method not allowed", "invalid method", nil)
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// decodeOptionalBody is decodeBody that accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	slog.Debug("Writing JSON response", "status_code", status)
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	} else {
		slog.Debug("JSON response written successfully", "status_code", status, "payload_size", len(payload))
	}
	return nil
}
