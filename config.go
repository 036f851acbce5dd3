package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go-age-issuer/audit"
	"go-age-issuer/document"
	"go-age-issuer/pipeline"
	redis "go-age-issuer/redis"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override, e.g. AGE_ISSUER_LOG_LEVEL.
const EnvPrefix = "AGE_ISSUER_"

// Duration is a time.Duration written as "30s" in JSON and environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type RecognitionConfig struct {
	URL      string `json:"url" env:"URL"`
	Language string `json:"language,omitempty" env:"LANGUAGE"`
	// MinConfidence flags scans whose recognition confidence is lower, 0 disables.
	MinConfidence float64  `json:"min_confidence,omitempty" env:"MIN_CONFIDENCE"`
	Timeout       Duration `json:"timeout,omitempty" env:"TIMEOUT"`
}

type ProofConfig struct {
	// ServiceURL selects the remote proof service. Without it proofs are
	// local attestations signed with AttestationKey.
	ServiceURL     string   `json:"service_url,omitempty" env:"SERVICE_URL"`
	AttestationKey string   `json:"attestation_key,omitempty" env:"ATTESTATION_KEY"`
	Timeout        Duration `json:"timeout,omitempty" env:"TIMEOUT"`
}

type Config struct {
	ServerConfig ServerConfig `json:"server_config" envPrefix:"SERVER_"`

	LogLevel  string `json:"log_level,omitempty" env:"LOG_LEVEL"`
	LogFormat string `json:"log_format,omitempty" env:"LOG_FORMAT"`

	Recognition RecognitionConfig `json:"recognition" envPrefix:"RECOGNITION_"`
	Proof       ProofConfig       `json:"proof" envPrefix:"PROOF_"`

	JwtPrivateKeyPath string   `json:"jwt_private_key_path" env:"JWT_PRIVATE_KEY_PATH"`
	IrmaServerUrl     string   `json:"irma_server_url" env:"IRMA_SERVER_URL"`
	IssuerId          string   `json:"issuer_id" env:"ISSUER_ID"`
	FullCredential    string   `json:"full_credential" env:"FULL_CREDENTIAL"`
	SdJwtBatchSize    uint     `json:"sd_jwt_batch_size" env:"SD_JWT_BATCH_SIZE"`
	IssuanceTimeout   Duration `json:"issuance_timeout,omitempty" env:"ISSUANCE_TIMEOUT"`

	AdultAge int `json:"adult_age,omitempty" env:"ADULT_AGE"`
	// Timezone defines "today" for the age check, defaults to UTC.
	Timezone       string `json:"timezone,omitempty" env:"TIMEZONE"`
	FallbackPolicy string `json:"fallback_policy,omitempty" env:"FALLBACK_POLICY"`
	FallbackDate   string `json:"fallback_date,omitempty" env:"FALLBACK_DATE"`

	StorageType         string                    `json:"storage_type" env:"STORAGE_TYPE"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty" envPrefix:"REDIS_"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty" envPrefix:"REDIS_SENTINEL_"`
	TokenTTL            Duration                  `json:"token_ttl,omitempty" env:"TOKEN_TTL"`

	// AuditDatabasePath is a SQLite file; empty keeps the ledger in memory.
	AuditDatabasePath  string   `json:"audit_database_path,omitempty" env:"AUDIT_DATABASE_PATH"`
	SessionIdleTimeout Duration `json:"session_idle_timeout,omitempty" env:"SESSION_IDLE_TIMEOUT"`
}

func defaultConfig() Config {
	return Config{
		ServerConfig:       ServerConfig{Host: "0.0.0.0", Port: 8080},
		LogLevel:           "info",
		LogFormat:          "text",
		Recognition:        RecognitionConfig{Language: "eng", Timeout: Duration(90 * time.Second)},
		Proof:              ProofConfig{Timeout: Duration(30 * time.Second)},
		IssuanceTimeout:    Duration(10 * time.Second),
		AdultAge:           document.AdultAge,
		Timezone:           "UTC",
		FallbackPolicy:     string(pipeline.FallbackFail),
		StorageType:        "memory",
		SessionIdleTimeout: Duration(30 * time.Minute),
	}
}

// readConfigFile reads the JSON config at path over the defaults, then
// applies environment overrides.
func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	config := defaultConfig()
	if err := json.Unmarshal(configBytes, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := applyEnvOverrides(&config, nil); err != nil {
		return Config{}, err
	}
	return config, nil
}

// applyEnvOverrides overrides config from the process environment, or from
// environment when it is not nil.
func applyEnvOverrides(config *Config, environment map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(config, opts); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	return nil
}

func (c Config) location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func createTokenStorage(config *Config) (TokenStorage, error) {
	ttl := time.Duration(config.TokenTTL)
	if config.StorageType == "redis" {
		slog.Info("Using redis token storage")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisTokenStorage(client, config.RedisConfig.Namespace, ttl), nil
	}
	if config.StorageType == "redis_sentinel" {
		slog.Info("Using redis sentinel token storage")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisTokenStorage(client, config.RedisSentinelConfig.Namespace, ttl), nil
	}
	if config.StorageType == "memory" {
		slog.Info("Using in memory storage")
		storage := NewInMemoryTokenStorage()
		if ttl > 0 {
			storage.ttl = ttl
		}
		return storage, nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}

func createAuditRecorder(config *Config) (audit.Recorder, error) {
	if config.AuditDatabasePath == "" {
		slog.Info("Using in memory audit ledger")
		return audit.NewMemoryRecorder(), nil
	}
	slog.Info("Using sqlite audit ledger", "path", config.AuditDatabasePath)
	return audit.OpenSQLite(config.AuditDatabasePath)
}

func createProver(config *Config) (pipeline.Prover, error) {
	if config.Proof.ServiceURL != "" {
		slog.Info("Using remote proof service", "url", config.Proof.ServiceURL)
		return NewProofServiceClient(config.Proof.ServiceURL), nil
	}
	if config.Proof.AttestationKey == "" {
		return nil, errors.New("either proof.service_url or proof.attestation_key must be configured")
	}
	slog.Info("Using local attestation prover")
	return NewAttestationProver([]byte(config.Proof.AttestationKey), config.IssuerId)
}

// pipelineDeps are the collaborators the pipeline is built from.
type pipelineDeps struct {
	recognizer *RecognitionClient
	prover     pipeline.Prover
	issuer     pipeline.Issuer
	observer   pipeline.Observer
}

func createPipelineDeps(config *Config) (pipelineDeps, error) {
	if config.Recognition.URL == "" {
		return pipelineDeps{}, errors.New("recognition.url must be configured")
	}
	recognizer := NewRecognitionClient(config.Recognition.URL, config.Recognition.Language)

	prover, err := createProver(config)
	if err != nil {
		return pipelineDeps{}, fmt.Errorf("failed to instantiate prover: %w", err)
	}

	issuer, err := NewIrmaIssuer(
		config.JwtPrivateKeyPath,
		config.IssuerId,
		config.FullCredential,
		config.IrmaServerUrl,
		config.SdJwtBatchSize,
	)
	if err != nil {
		return pipelineDeps{}, fmt.Errorf("failed to instantiate issuer: %w", err)
	}

	return pipelineDeps{recognizer: recognizer, prover: prover, issuer: issuer}, nil
}

func newPipeline(config *Config, deps pipelineDeps) (*pipeline.Pipeline, error) {
	fallback, err := pipeline.ParseFallbackPolicy(config.FallbackPolicy, config.FallbackDate)
	if err != nil {
		return nil, err
	}
	loc, err := config.location()
	if err != nil {
		return nil, err
	}
	if fallback.Mode == pipeline.FallbackDate {
		slog.Warn("Fallback date policy enabled, unreadable documents will verify with a fixed date", "date", fallback.Date.String())
	}

	var recognizer pipeline.Recognizer
	if deps.recognizer != nil {
		recognizer = deps.recognizer
	}
	return pipeline.New(pipeline.Config{
		Recognizer:         recognizer,
		Prover:             deps.prover,
		Issuer:             deps.issuer,
		Fallback:           fallback,
		MinConfidence:      config.Recognition.MinConfidence,
		AdultAge:           config.AdultAge,
		RecognitionTimeout: time.Duration(config.Recognition.Timeout),
		ProofTimeout:       time.Duration(config.Proof.Timeout),
		IssuanceTimeout:    time.Duration(config.IssuanceTimeout),
		Location:           loc,
		Observer:           deps.observer,
	})
}
