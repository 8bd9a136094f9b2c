package reply

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrGeneration 回复生成失败
var ErrGeneration = errors.New("reply generation failed")

// Role identifies a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat-completions message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Config configures the chat-completions generator.
type Config struct {
	APIKey       string        `yaml:"api_key" json:"api_key"`
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	Model        string        `yaml:"model,omitempty" json:"model,omitempty"`
	SystemPrompt string        `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	MaxTokens    int           `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature  float64       `yaml:"temperature" json:"temperature"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// HistoryTokenBudget bounds the prompt: oldest turns are dropped
	// until the history fits.
	HistoryTokenBudget int `yaml:"history_token_budget,omitempty" json:"history_token_budget,omitempty"`
}

// DefaultConfig returns generator defaults matching a low-latency
// telephone assistant.
func DefaultConfig() Config {
	return Config{
		BaseURL:            "https://api.openai.com",
		Model:              "gpt-4o-mini",
		SystemPrompt:       "You are a helpful voice assistant on a phone call. Keep answers short and conversational.",
		MaxTokens:          250,
		Temperature:        0.2,
		Timeout:            60 * time.Second,
		HistoryTokenBudget: 3000,
	}
}

// Client streams chat completions over SSE.
type Client struct {
	cfg     Config
	client  *http.Client
	trimmer *Trimmer
	logger  *zap.Logger
}

// NewClient creates a generator client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 250
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		trimmer: NewTrimmer(cfg.Model),
		logger:  logger.With(zap.String("component", "reply")),
	}
}

// Name returns the provider name.
func (c *Client) Name() string { return "openai-chat" }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream sends the conversation and returns reply fragments as they
// arrive. The channel closes at completion, cancellation or a stream
// error; an engine rejection wraps ErrGeneration.
func (c *Client) Stream(ctx context.Context, history []Message) (<-chan string, error) {
	msgs := make([]Message, 0, len(history)+1)
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: c.cfg.SystemPrompt})
	}
	if c.cfg.HistoryTokenBudget > 0 {
		history = c.trimmer.TrimToBudget(history, c.cfg.HistoryTokenBudget)
	}
	msgs = append(msgs, history...)

	payload, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrGeneration, resp.StatusCode, string(errBody))
	}

	return c.streamSSE(ctx, resp.Body), nil
}

// streamSSE parses the event stream and forwards content deltas.
func (c *Client) streamSSE(ctx context.Context, body io.ReadCloser) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		defer body.Close()
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					c.logger.Warn("reply stream aborted", zap.Error(err))
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var parsed chatStreamResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				c.logger.Warn("bad stream event", zap.Error(err))
				return
			}
			for _, choice := range parsed.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case ch <- choice.Delta.Content:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}
