package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/voicebridge/audio"
	"github.com/BaSui01/voicebridge/internal/metrics"
)

// Transcriber converts a closed utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, utt *Utterance) (string, error)
}

// Generator produces the assistant reply as a lazy fragment sequence.
// The channel closes when the reply is complete or the context is
// cancelled.
type Generator interface {
	Generate(ctx context.Context, history []Turn) (<-chan string, error)
}

// Synthesizer converts reply text into a lazy sequence of audio chunks.
// SynthesizeStream accepts incremental text so playback can begin before
// generation completes; implementations must tolerate arbitrary text
// boundaries, not just sentence-final ones.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
	SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error)
}

// Chunk is one unit of outbound playback audio. Final marks the end of
// a turn's audio; the transport turns it into a drain marker.
type Chunk struct {
	Audio []byte
	Final bool

	gen uint64
}

// Generation identifies the turn a chunk belongs to. The transport
// discards any unframed remainder of a previous turn when it changes.
func (c Chunk) Generation() uint64 { return c.gen }

// Config tunes a session's behaviour.
type Config struct {
	Segment SegmentConfig `yaml:"segment" json:"segment"`

	// OutboundQueueSize bounds the playback queue. Enqueue never
	// blocks frame ingestion; when the queue is full the chunk is
	// dropped and logged.
	OutboundQueueSize int `yaml:"outbound_queue_size" json:"outbound_queue_size"`

	// TurnTimeout is the per-turn deadline covering all three external
	// stages, a safety net against a hung dependency.
	TurnTimeout time.Duration `yaml:"turn_timeout" json:"turn_timeout"`

	// StreamingSynthesis forwards reply fragments to synthesis before
	// generation completes, trading latency for mid-word fragment
	// boundaries.
	StreamingSynthesis bool `yaml:"streaming_synthesis" json:"streaming_synthesis"`

	// MinFragmentWords batches streamed fragments before handing them
	// to synthesis, so the engine is not called per token.
	MinFragmentWords int `yaml:"min_fragment_words" json:"min_fragment_words"`
}

// DefaultConfig returns session defaults.
func DefaultConfig() Config {
	return Config{
		Segment:            DefaultSegmentConfig(),
		OutboundQueueSize:  256,
		TurnTimeout:        60 * time.Second,
		StreamingSynthesis: true,
		MinFragmentWords:   5,
	}
}

// Session is the state machine for one active call. It owns the segment
// buffer, conversation history and playback queue. All transitions are
// serialized behind mu; external stages run on a per-turn goroutine and
// re-enter through generation-checked methods.
type Session struct {
	id          string
	cfg         Config
	transcriber Transcriber
	generator   Generator
	synthesizer Synthesizer
	logger      *zap.Logger
	collector   *metrics.Collector
	tracer      trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	gen        uint64
	seg        *SegmentBuffer
	history    []Turn
	pending    []*Utterance
	turnActive bool
	turnCancel context.CancelFunc
	outbound   chan Chunk
	ended      bool
}

// New creates a session for one call. The vad classifier drives
// segmentation; collector may be nil.
func New(id string, cfg Config, vad audio.Classifier, t Transcriber, g Generator, s Synthesizer, logger *zap.Logger, collector *metrics.Collector) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 60 * time.Second
	}
	if cfg.MinFragmentWords <= 0 {
		cfg.MinFragmentWords = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:          id,
		cfg:         cfg,
		transcriber: t,
		generator:   g,
		synthesizer: s,
		logger:      logger.With(zap.String("component", "session"), zap.String("call_id", id)),
		collector:   collector,
		tracer:      otel.Tracer("voicebridge/session"),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateIdle,
		seg:         NewSegmentBuffer(cfg.Segment, vad),
		outbound:    make(chan Chunk, cfg.OutboundQueueSize),
	}
}

// ID returns the call identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// OnMediaFrame routes one inbound frame through the segment buffer and
// drives the resulting transitions. It never blocks on external calls.
// Frames arriving after End are dropped silently.
func (s *Session) OnMediaFrame(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		s.logger.Debug("frame after call end", zap.Uint64("seq", f.Seq))
		return
	}
	s.collector.RecordFrame()

	ev, utt := s.seg.Push(f)
	switch ev {
	case EventSpeechStarted:
		switch s.state {
		case StateIdle:
			s.setStateLocked(StateListening)
		case StateSpeaking, StateSynthesizing:
			s.interruptLocked()
		default:
			// A turn is in flight; audio keeps accumulating for
			// the next utterance.
		}
	case EventUtteranceReady, EventTimeout:
		if utt == nil {
			// Below minimum duration: noise burst, no transcription.
			if s.state == StateListening {
				s.setStateLocked(StateIdle)
			}
			return
		}
		s.collector.RecordUtterance()
		s.pending = append(s.pending, utt)
		s.maybeStartTurnLocked()
	}
}

// OnOutboundDrained is the transport's acknowledgement that all queued
// audio for the current turn has been played out.
func (s *Session) OnOutboundDrained() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	if s.state != StateSpeaking && s.state != StateSynthesizing {
		return // stale ack from a superseded turn
	}
	s.collector.RecordTurn("completed")
	s.finishTurnLocked()
}

// NextOutbound blocks until the next playback chunk is available.
// Chunks belonging to superseded generations are dropped here, so after
// a barge-in the transport never sees audio of the interrupted turn.
func (s *Session) NextOutbound(ctx context.Context) (Chunk, error) {
	for {
		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-s.ctx.Done():
			return Chunk{}, ErrSessionEnded
		case c, ok := <-s.outbound:
			if !ok {
				return Chunk{}, ErrSessionEnded
			}
			s.mu.Lock()
			current := s.gen
			s.mu.Unlock()
			if c.gen != current {
				continue
			}
			return c, nil
		}
	}
}

// End terminates the session: cancels in-flight work, discards queued
// audio and releases buffers. Safe to call more than once.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	s.ended = true
	s.gen++
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.turnActive = false
	s.pending = nil
	s.drainOutboundLocked()
	close(s.outbound)
	s.seg.Reset()
	s.setStateLocked(StateEnded)
	s.cancel()
}

// ---------------------------------------------------------------------
// Turn pipeline
// ---------------------------------------------------------------------

func (s *Session) maybeStartTurnLocked() {
	if s.turnActive || s.ended || len(s.pending) == 0 {
		return
	}
	utt := s.pending[0]
	s.pending = s.pending[1:]

	s.gen++
	gen := s.gen
	s.turnActive = true
	s.setStateLocked(StateTranscribing)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TurnTimeout)
	s.turnCancel = cancel
	go s.runTurn(ctx, gen, utt)
}

// runTurn drives one utterance through transcribe → generate →
// synthesize on its own goroutine. Every re-entry into the state
// machine checks gen against the session's current generation and drops
// stale results.
func (s *Session) runTurn(ctx context.Context, gen uint64, utt *Utterance) {
	ctx, span := s.tracer.Start(ctx, "session.turn",
		trace.WithAttributes(
			attribute.String("call.id", s.id),
			attribute.Int64("turn.generation", int64(gen)),
		))
	defer span.End()

	start := time.Now()
	text, err := s.transcriber.Transcribe(ctx, utt)
	s.collector.ObserveStageLatency("transcribe", time.Since(start))

	history, ok := s.onTranscript(gen, text, err)
	if !ok {
		return
	}

	genStart := time.Now()
	frags, err := s.generator.Generate(ctx, history)
	if err != nil {
		s.failTurn(gen, "generate", err)
		return
	}

	if s.cfg.StreamingSynthesis {
		err = s.streamTurnAudio(ctx, gen, genStart, frags)
	} else {
		err = s.bufferedTurnAudio(ctx, gen, genStart, frags)
	}
	if err != nil {
		s.failTurn(gen, "synthesize", err)
	}
}

// bufferedTurnAudio waits for the full reply before synthesizing it.
// genStart anchors the generate latency, measured until the fragment
// stream closes.
func (s *Session) bufferedTurnAudio(ctx context.Context, gen uint64, genStart time.Time, frags <-chan string) error {
	var full strings.Builder
	for frag := range frags {
		full.WriteString(frag)
	}
	s.collector.ObserveStageLatency("generate", time.Since(genStart))
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if !s.onResponseComplete(gen, full.String()) {
		return nil
	}
	if strings.TrimSpace(full.String()) == "" {
		// Empty reply: nothing to say this turn.
		s.finishTurn(gen, "dropped")
		return nil
	}

	start := time.Now()
	chunks, err := s.synthesizer.Synthesize(ctx, full.String())
	if err != nil {
		return err
	}
	for chunk := range chunks {
		if !s.enqueueChunk(gen, chunk, false) {
			return nil
		}
	}
	s.collector.ObserveStageLatency("synthesize", time.Since(start))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.enqueueChunk(gen, nil, true)
	return nil
}

// streamTurnAudio forwards reply fragments to synthesis as they arrive,
// batched by MinFragmentWords, so playback starts before generation
// completes.
func (s *Session) streamTurnAudio(ctx context.Context, gen uint64, genStart time.Time, frags <-chan string) error {
	textCh := make(chan string)
	synthStart := time.Now()
	chunks, err := s.synthesizer.SynthesizeStream(ctx, textCh)
	if err != nil {
		close(textCh)
		return err
	}
	if !s.markSynthesizing(gen) {
		close(textCh)
		return nil
	}

	var full strings.Builder
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(textCh)
		var batch strings.Builder
		words := 0
		for frag := range frags {
			full.WriteString(frag)
			batch.WriteString(frag)
			words += len(strings.Fields(frag))
			if words >= s.cfg.MinFragmentWords {
				select {
				case textCh <- batch.String():
				case <-ctx.Done():
					return ctx.Err()
				}
				batch.Reset()
				words = 0
			}
		}
		s.collector.ObserveStageLatency("generate", time.Since(genStart))
		if batch.Len() > 0 {
			select {
			case textCh <- batch.String():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for chunk := range chunks {
			if !s.enqueueChunk(gen, chunk, false) {
				return nil
			}
		}
		s.collector.ObserveStageLatency("synthesize", time.Since(synthStart))
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if !s.onResponseComplete(gen, full.String()) {
		return nil
	}
	s.enqueueChunk(gen, nil, true)
	return nil
}

// onTranscript applies the ASR result. An empty transcript drops the
// turn without invoking the generator. Returns the history snapshot to
// generate against.
func (s *Session) onTranscript(gen uint64, text string, err error) ([]Turn, bool) {
	if err != nil {
		s.failTurn(gen, "transcribe", err)
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || gen != s.gen {
		return nil, false
	}

	text = strings.TrimSpace(text)
	if text == "" {
		s.logger.Debug("empty transcript, dropping turn")
		s.collector.RecordTurn("dropped")
		s.finishTurnLocked()
		return nil, false
	}

	s.history = append(s.history, Turn{Speaker: SpeakerUser, Text: text, At: time.Now()})
	s.logger.Info("transcript", zap.String("text", text))
	s.setStateLocked(StateGenerating)

	snapshot := make([]Turn, len(s.history))
	copy(snapshot, s.history)
	return snapshot, true
}

// onResponseComplete appends the assistant turn once the full reply is
// known.
func (s *Session) onResponseComplete(gen uint64, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || gen != s.gen {
		return false
	}
	if strings.TrimSpace(text) != "" {
		s.history = append(s.history, Turn{Speaker: SpeakerAssistant, Text: text, At: time.Now()})
		s.logger.Info("reply", zap.Int("chars", len(text)))
	}
	if s.state == StateGenerating {
		s.setStateLocked(StateSynthesizing)
	}
	return true
}

// markSynthesizing transitions Generating → Synthesizing for the
// streaming path, where synthesis starts before the reply is complete.
func (s *Session) markSynthesizing(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || gen != s.gen {
		return false
	}
	if s.state == StateGenerating {
		s.setStateLocked(StateSynthesizing)
	}
	return true
}

// enqueueChunk queues playback audio without ever blocking the caller.
// Returns false when the chunk belongs to a superseded generation.
func (s *Session) enqueueChunk(gen uint64, data []byte, final bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || gen != s.gen {
		return false
	}
	if !final && s.state == StateSynthesizing {
		s.setStateLocked(StateSpeaking)
	}
	select {
	case s.outbound <- Chunk{Audio: data, Final: final, gen: gen}:
		if !final {
			s.collector.RecordOutboundChunk()
		}
	default:
		s.logger.Warn("outbound queue full, dropping chunk", zap.Int("bytes", len(data)))
	}
	return true
}

// failTurn logs an external stage failure and drops the turn. The call
// survives: the caller hears silence for this turn and the state machine
// falls back to Idle or Listening.
func (s *Session) failTurn(gen uint64, stage string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || gen != s.gen {
		return
	}
	s.logger.Error("pipeline stage failed", zap.String("stage", stage), zap.Error(err))
	s.collector.RecordPipelineError(stage)
	s.collector.RecordTurn("failed")
	s.finishTurnLocked()
}

func (s *Session) finishTurn(gen uint64, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || gen != s.gen {
		return
	}
	s.collector.RecordTurn(result)
	s.finishTurnLocked()
}

// finishTurnLocked closes out the current turn and starts the next
// pending utterance, if any.
func (s *Session) finishTurnLocked() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.turnActive = false
	if s.seg.InSpeech() {
		s.setStateLocked(StateListening)
	} else {
		s.setStateLocked(StateIdle)
	}
	s.maybeStartTurnLocked()
}

// interruptLocked handles barge-in: the caller started speaking while
// assistant audio was still in flight. Cancellation is best-effort; the
// generation bump guarantees late results are dropped on arrival.
func (s *Session) interruptLocked() {
	s.logger.Info("barge-in, interrupting turn", zap.Uint64("generation", s.gen))
	s.collector.RecordBargeIn()
	s.gen++
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.turnActive = false
	s.drainOutboundLocked()
	s.setStateLocked(StateListening)
}

func (s *Session) drainOutboundLocked() {
	for {
		select {
		case <-s.outbound:
		default:
			return
		}
	}
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug("state transition",
		zap.String("from", string(s.state)),
		zap.String("to", string(next)))
	s.state = next
}
