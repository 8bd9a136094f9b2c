package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sseEvent(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n\n", content)
}

func newStreamServer(t *testing.T, fragments []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range fragments {
			fmt.Fprint(w, sseEvent(f))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func testClient(t *testing.T, baseURL string) *Client {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = baseURL
	return NewClient(cfg, zaptest.NewLogger(t))
}

func TestClientStream(t *testing.T) {
	srv := newStreamServer(t, []string{"Hello", ", how can I ", "help?"})
	defer srv.Close()

	c := testClient(t, srv.URL)
	ch, err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)

	var got []string
	for frag := range ch {
		got = append(got, frag)
	}
	assert.Equal(t, []string{"Hello", ", how can I ", "help?"}, got)
}

func TestClientStreamStopsAtDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseEvent("before"))
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, sseEvent("after"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	ch, err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)

	var got []string
	for frag := range ch {
		got = append(got, frag)
	}
	assert.Equal(t, []string{"before"}, got, "events after [DONE] are ignored")
}

func TestClientStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Contains(t, err.Error(), "429")
}

func TestClientStreamCancellation(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseEvent("first"))
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	c := testClient(t, srv.URL)
	ch, err := c.Stream(ctx, []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)

	frag, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "first", frag)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must close after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after cancellation")
	}
}

func TestClientSkipsSystemPromptWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)
		assert.Equal(t, RoleUser, req.Messages[0].Role)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL
	cfg.SystemPrompt = ""
	c := NewClient(cfg, zaptest.NewLogger(t))

	ch, err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	for range ch {
	}
}

func TestClientDefaults(t *testing.T) {
	c := NewClient(Config{}, nil)
	assert.Equal(t, "gpt-4o-mini", c.cfg.Model)
	assert.Equal(t, 250, c.cfg.MaxTokens)
	assert.True(t, strings.HasPrefix(c.cfg.BaseURL, "https://"))
	assert.Equal(t, "openai-chat", c.Name())
}
