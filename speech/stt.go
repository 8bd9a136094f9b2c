package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// STTClient transcribes audio via the OpenAI Whisper API.
type STTClient struct {
	cfg    STTConfig
	client *http.Client
	logger *zap.Logger
}

// NewSTTClient creates a transcription client.
func NewSTTClient(cfg STTConfig, logger *zap.Logger) *STTClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &STTClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "stt")),
	}
}

// Name returns the provider name.
func (c *STTClient) Name() string { return "openai-stt" }

type whisperResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads a WAV recording and returns the recognized text.
// Failures wrap ErrTranscription.
func (c *STTClient) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", fmt.Errorf("%w: empty audio", ErrTranscription)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	writer.WriteField("model", c.cfg.Model)
	if c.cfg.Language != "" {
		writer.WriteField("language", c.cfg.Language)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status=%d body=%s", ErrTranscription, resp.StatusCode, string(errBody))
	}

	var parsed whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTranscription, err)
	}
	return parsed.Text, nil
}
