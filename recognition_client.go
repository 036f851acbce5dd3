package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go-age-issuer/images"
	"go-age-issuer/pipeline"
)

// maxRecognitionLine bounds a single NDJSON event; the final event carries
// the full recognized text.
const maxRecognitionLine = 4 * 1024 * 1024

// RecognitionClient talks to a text recognition service and implements
// pipeline.Recognizer.
//
// The service answers POST /api/recognize with newline delimited JSON:
// zero or more progress events followed by one result event.
//
//	{"status": "recognizing text", "progress": 0.42}
//	{"text": "...", "confidence": 0.91}
type RecognitionClient struct {
	baseURL      string
	language     string
	imageOptions images.Options
	httpClient   *http.Client
}

// NewRecognitionClient creates a new instance of RecognitionClient
func NewRecognitionClient(baseURL, language string) *RecognitionClient {
	if language == "" {
		language = "eng"
	}
	return &RecognitionClient{
		baseURL:      baseURL,
		language:     language,
		imageOptions: images.DefaultOptions(),
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

type recognizeRequest struct {
	Image    string `json:"image"`
	Language string `json:"language"`
}

type recognitionEvent struct {
	Status     string   `json:"status,omitempty"`
	Progress   *float64 `json:"progress,omitempty"`
	Text       *string  `json:"text,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func (c *RecognitionClient) Recognize(ctx context.Context, img pipeline.Image, progress pipeline.ProgressFunc) (pipeline.Recognition, error) {
	encoded, err := images.PrepareBase64(img.Data, c.imageOptions)
	if err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to prepare image: %w", err)
	}

	jsonData, err := json.Marshal(recognizeRequest{Image: encoded, Language: c.language})
	if err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to marshal recognize request: %w", err)
	}

	url := fmt.Sprintf("%s/api/recognize", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to create recognize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to execute recognize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return pipeline.Recognition{}, fmt.Errorf("text recognition failed with status %d: %s", resp.StatusCode, string(body))
	}

	result, err := readRecognitionStream(resp.Body, progress)
	if err != nil {
		return pipeline.Recognition{}, err
	}

	slog.Debug("Text recognition completed", "text_length", len(result.Text), "confidence", result.Confidence)
	return result, nil
}

func readRecognitionStream(r io.Reader, progress pipeline.ProgressFunc) (pipeline.Recognition, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecognitionLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event recognitionEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return pipeline.Recognition{}, fmt.Errorf("failed to decode recognition event: %w", err)
		}

		switch {
		case event.Error != "":
			return pipeline.Recognition{}, fmt.Errorf("text recognition failed: %s", event.Error)
		case event.Text != nil:
			confidence := -1.0
			if event.Confidence != nil {
				confidence = *event.Confidence
			}
			return pipeline.Recognition{Text: *event.Text, Confidence: confidence}, nil
		case event.Progress != nil && progress != nil:
			progress(pipeline.Progress{Status: event.Status, Fraction: clamp01(*event.Progress)})
		}
	}
	if err := scanner.Err(); err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to read recognition stream: %w", err)
	}
	return pipeline.Recognition{}, errors.New("recognition stream ended without a result")
}

// HealthCheck verifies the recognition service is available
func (c *RecognitionClient) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/healthz", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	slog.Info("Text recognition service health check passed")
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ pipeline.Recognizer = (*RecognitionClient)(nil)
