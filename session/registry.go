package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/voicebridge/audio"
	"github.com/BaSui01/voicebridge/internal/metrics"
)

// Deps carries the collaborators every new session is wired with.
type Deps struct {
	VAD         audio.Classifier
	Transcriber Transcriber
	Generator   Generator
	Synthesizer Synthesizer
	Logger      *zap.Logger
	Collector   *metrics.Collector
}

// Registry is the process-wide table of active call sessions. It is the
// only state shared across calls; lookups never block on another call's
// processing.
type Registry struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With(zap.String("component", "registry")),
		sessions: make(map[string]*Session),
	}
}

// Create starts a session for the call. A duplicate id is a logic
// error, not recoverable: the transport layer decides whether to reject
// the connection.
func (r *Registry) Create(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	s := New(id, r.cfg, r.deps.VAD, r.deps.Transcriber, r.deps.Generator, r.deps.Synthesizer, r.deps.Logger, r.deps.Collector)
	r.sessions[id] = s
	r.deps.Collector.CallStarted()
	r.logger.Info("session created", zap.String("call_id", id), zap.Int("active", len(r.sessions)))
	return s, nil
}

// Get looks up the session for the call.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Remove ends the session and drops it from the table.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.End()
	r.deps.Collector.CallEnded()
	r.logger.Info("session removed", zap.String("call_id", id))
	return nil
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown ends every active session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.End()
		r.deps.Collector.CallEnded()
	}
}
