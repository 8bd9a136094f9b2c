package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TTSClient synthesizes speech via the OpenAI audio API. Synthesized
// audio is delivered as a lazy chunk sequence so playback can start
// before the engine finishes.
type TTSClient struct {
	cfg    TTSConfig
	client *http.Client
	logger *zap.Logger
}

// NewTTSClient creates a synthesis client.
func NewTTSClient(cfg TTSConfig, logger *zap.Logger) *TTSClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.Format == "" {
		cfg.Format = "pcm"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 8192
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TTSClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "tts")),
	}
}

// Name returns the provider name.
func (c *TTSClient) Name() string { return "openai-tts" }

// SampleRate returns the sample rate of synthesized PCM audio.
func (c *TTSClient) SampleRate() int { return c.cfg.SampleRate }

type ttsRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// Synthesize converts text to speech. The returned channel yields audio
// chunks as they arrive and closes at end of stream or cancellation.
// An engine rejection wraps ErrSynthesis; a failure mid-stream closes
// the channel early.
func (c *TTSClient) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrSynthesis)
	}

	payload, _ := json.Marshal(ttsRequest{
		Model:          c.cfg.Model,
		Input:          text,
		Voice:          c.cfg.Voice,
		ResponseFormat: c.cfg.Format,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrSynthesis, resp.StatusCode, string(errBody))
	}

	ch := make(chan []byte)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		for {
			buf := make([]byte, c.cfg.ChunkBytes)
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				select {
				case ch <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF {
					c.logger.Warn("tts stream aborted", zap.Error(err))
				}
				return
			}
		}
	}()
	return ch, nil
}

// SynthesizeStream synthesizes incremental text batches in arrival
// order, yielding one contiguous chunk sequence. Batches may cut words
// at arbitrary boundaries; the engine is invoked per batch so an
// in-flight cancellation loses at most one batch of audio.
func (c *TTSClient) SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case batch, ok := <-text:
				if !ok {
					return
				}
				if strings.TrimSpace(batch) == "" {
					continue
				}
				chunks, err := c.Synthesize(ctx, batch)
				if err != nil {
					c.logger.Warn("partial synthesis failed", zap.Error(err))
					continue // this batch is silence; keep going
				}
				for chunk := range chunks {
					select {
					case out <- chunk:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}
