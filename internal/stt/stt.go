// Package stt implements the speech-to-text collaborator interface:
// an optional, external transcription service invoked only when
// configured. Grounded on ai/whisper.py's WhisperTranscriber, with the
// Go multipart-upload idiom from the pack's whisper.cpp provider
// (other_examples' pkg/provider/stt/whisper package).
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"
)

const whisperEndpoint = "https://api.openai.com/v1/audio/transcriptions"

// ErrUnavailable is returned by Transcribe when no API key is configured.
var ErrUnavailable = errors.New("stt: no API key configured")

// Transcriber is the collaborator interface the orchestrator talks to
// when audio input arrives instead of text. Not invoked unless
// configured.
type Transcriber interface {
	Available() bool
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// WhisperTranscriber transcribes audio via the OpenAI Whisper REST API.
type WhisperTranscriber struct {
	apiKey     string
	httpClient *http.Client
	endpoint   string
}

// Config configures a WhisperTranscriber, sourced from config.SpeechConfig.
type Config struct {
	APIKeyEnvVar   string
	RequestTimeoutSecs int
}

// New constructs a WhisperTranscriber. If cfg.APIKeyEnvVar is empty,
// OPENAI_API_KEY is used, matching whisper.py's default lookup.
func New(cfg Config) *WhisperTranscriber {
	envVar := cfg.APIKeyEnvVar
	if envVar == "" {
		envVar = "OPENAI_API_KEY"
	}
	timeout := 60 * time.Second
	if cfg.RequestTimeoutSecs > 0 {
		timeout = time.Duration(cfg.RequestTimeoutSecs) * time.Second
	}

	return &WhisperTranscriber{
		apiKey:     os.Getenv(envVar),
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   whisperEndpoint,
	}
}

// Available reports whether an API key is configured.
func (w *WhisperTranscriber) Available() bool {
	return w.apiKey != ""
}

// Transcribe uploads audio bytes to Whisper and returns the transcribed
// text. format is the audio container (e.g. "webm", "wav").
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if !w.Available() {
		return "", ErrUnavailable
	}
	if format == "" {
		format = "webm"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio."+format)
	if err != nil {
		return "", fmt.Errorf("stt: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("stt: write audio data: %w", err)
	}
	if err := mw.WriteField("model", "whisper-1"); err != nil {
		return "", fmt.Errorf("stt: write model field: %w", err)
	}
	if err := mw.WriteField("language", "en"); err != nil {
		return "", fmt.Errorf("stt: write language field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("stt: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("stt: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("stt: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: whisper returned HTTP %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("stt: parse JSON response: %w", err)
	}
	return result.Text, nil
}
