package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go-age-issuer/pipeline"

	"github.com/stretchr/testify/require"
)

func TestRecognitionClient_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	client := NewRecognitionClient(server.URL, "")
	require.NoError(t, client.HealthCheck(context.Background()))
}

func TestRecognitionClient_HealthCheck_Unavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("warming up"))
	}))
	defer server.Close()

	err := NewRecognitionClient(server.URL, "").HealthCheck(context.Background())
	require.ErrorContains(t, err, "health check failed with status 503: warming up")
}

func TestRecognitionClient_Recognize_StreamsProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/recognize", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req recognizeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "nld", req.Language)
		png, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(png), "\x89PNG"), "image should be re-encoded as PNG")

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"status":"loading engine","progress":0}`)
		fmt.Fprintln(w, `{"status":"recognizing text","progress":0.5}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"status":"recognizing text","progress":1.5}`)
		fmt.Fprintln(w, `{"text":"Date of birth 15.06.1995","confidence":0.87}`)
	}))
	defer server.Close()

	var mu sync.Mutex
	var events []pipeline.Progress
	client := NewRecognitionClient(server.URL, "nld")
	result, err := client.Recognize(context.Background(), pipeline.Image{Data: testDocumentImage(t)}, func(p pipeline.Progress) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, p)
	})
	require.NoError(t, err)
	require.Equal(t, "Date of birth 15.06.1995", result.Text)
	require.Equal(t, 0.87, result.Confidence)
	require.Equal(t, []pipeline.Progress{
		{Status: "loading engine", Fraction: 0},
		{Status: "recognizing text", Fraction: 0.5},
		{Status: "recognizing text", Fraction: 1},
	}, events)
}

func TestRecognitionClient_Recognize_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http error", http.StatusInternalServerError, "engine crashed", "text recognition failed with status 500: engine crashed"},
		{"error event", http.StatusOK, `{"error":"unsupported language"}` + "\n", "text recognition failed: unsupported language"},
		{"truncated stream", http.StatusOK, `{"status":"recognizing text","progress":0.2}` + "\n", "recognition stream ended without a result"},
		{"garbage", http.StatusOK, "not json\n", "failed to decode recognition event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewRecognitionClient(server.URL, "").Recognize(context.Background(), pipeline.Image{Data: testDocumentImage(t)}, nil)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRecognitionClient_Recognize_MissingConfidence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"text":"1995-06-15"}`)
	}))
	defer server.Close()

	result, err := NewRecognitionClient(server.URL, "").Recognize(context.Background(), pipeline.Image{Data: testDocumentImage(t)}, nil)
	require.NoError(t, err)
	require.Equal(t, -1.0, result.Confidence)
}

func TestRecognitionClient_Recognize_InvalidImage(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	_, err := NewRecognitionClient(server.URL, "").Recognize(context.Background(), pipeline.Image{Data: []byte("not an image")}, nil)
	require.ErrorContains(t, err, "failed to prepare image")
	require.False(t, called)
}

func TestRecognitionClient_Recognize_Cancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewRecognitionClient(server.URL, "").Recognize(ctx, pipeline.Image{Data: testDocumentImage(t)}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
