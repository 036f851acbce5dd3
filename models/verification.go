package models

type StartVerificationRequest struct {
	// WalletAddress identifies the holder, it is only recorded in the audit ledger.
	WalletAddress string `json:"wallet_address,omitempty"`
}

type StartVerificationResponse struct {
	SessionId string `json:"session_id"`
	Nonce     string `json:"nonce"`
}

// SessionRequest authenticates a call on an existing session.
type SessionRequest struct {
	SessionId string `json:"session_id"`
	Nonce     string `json:"nonce"`
}

type ScanRequest struct {
	SessionId string `json:"session_id"`
	Nonce     string `json:"nonce"`
	Image     string `json:"image"` // Base64 encoded image, data URLs are accepted
}

type ScanResponse struct {
	DocumentStage string  `json:"document_stage"`
	BirthDate     string  `json:"birth_date"`
	Pattern       string  `json:"pattern,omitempty"`
	Fallback      bool    `json:"fallback"`
	LowConfidence bool    `json:"low_confidence"`
	Confidence    float64 `json:"confidence"`
}

type ProofResponse struct {
	ProofId   string `json:"proof_id"`
	Statement string `json:"statement"`
	Predicate bool   `json:"predicate"`
}

type IssuanceResponse struct {
	CredentialId  string `json:"credential_id"`
	Jwt           string `json:"jwt"`
	IrmaServerURL string `json:"irma_server_url"`
}

type ProgressResponse struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
}

type SessionStatusResponse struct {
	SessionId     string           `json:"session_id"`
	DocumentStage string           `json:"document_stage"`
	ProofStage    string           `json:"proof_stage"`
	IssuanceStage string           `json:"issuance_stage"`
	BirthDate     string           `json:"birth_date,omitempty"`
	DateSource    string           `json:"date_source,omitempty"`
	LowConfidence bool             `json:"low_confidence"`
	Progress      ProgressResponse `json:"progress"`
	ProofId       string           `json:"proof_id,omitempty"`
	CredentialId  string           `json:"credential_id,omitempty"`
	Complete      bool             `json:"complete"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
