package reply

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// modelEncodings maps model names to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// perMessageOverhead approximates the chat-format framing tokens per
// message.
const perMessageOverhead = 4

// Trimmer drops the oldest conversation turns until the history fits a
// token budget. Encoding data is loaded lazily on first use.
type Trimmer struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

// NewTrimmer creates a trimmer for the given model, falling back to
// cl100k_base for unknown models.
func NewTrimmer(model string) *Trimmer {
	encoding, ok := modelEncodings[model]
	if !ok {
		// Versioned model names resolve by longest matching prefix.
		best := 0
		for prefix, e := range modelEncodings {
			if len(prefix) > best && strings.HasPrefix(model, prefix) {
				encoding, ok = e, true
				best = len(prefix)
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}
	return &Trimmer{encoding: encoding}
}

func (t *Trimmer) init() error {
	t.once.Do(func() {
		t.enc, t.initErr = tiktoken.GetEncoding(t.encoding)
	})
	return t.initErr
}

// CountTokens returns the token count of one message, or a conservative
// character-based estimate when the encoding is unavailable.
func (t *Trimmer) CountTokens(m Message) int {
	if err := t.init(); err != nil {
		return len(m.Content)/4 + perMessageOverhead
	}
	return len(t.enc.Encode(m.Content, nil, nil)) + perMessageOverhead
}

// TrimToBudget returns the longest suffix of history whose token count
// fits the budget. The most recent turn is always kept, so the
// generator never sees an empty conversation.
func (t *Trimmer) TrimToBudget(history []Message, budget int) []Message {
	if len(history) == 0 || budget <= 0 {
		return history
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := t.CountTokens(history[i])
		if total+cost > budget && start < len(history) {
			break
		}
		total += cost
		start = i
	}
	return history[start:]
}
