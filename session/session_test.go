package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/voicebridge/audio"
	"github.com/BaSui01/voicebridge/internal/metrics"
)

type stubTranscriber struct {
	fn func(ctx context.Context, utt *Utterance) (string, error)
}

func (s *stubTranscriber) Transcribe(ctx context.Context, utt *Utterance) (string, error) {
	return s.fn(ctx, utt)
}

type stubGenerator struct {
	fn func(ctx context.Context, history []Turn) (<-chan string, error)
}

func (s *stubGenerator) Generate(ctx context.Context, history []Turn) (<-chan string, error) {
	return s.fn(ctx, history)
}

type stubSynthesizer struct {
	synthFn  func(ctx context.Context, text string) (<-chan []byte, error)
	streamFn func(ctx context.Context, text <-chan string) (<-chan []byte, error)
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	return s.synthFn(ctx, text)
}

func (s *stubSynthesizer) SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	return s.streamFn(ctx, text)
}

func fragments(frags ...string) <-chan string {
	ch := make(chan string, len(frags))
	for _, f := range frags {
		ch <- f
	}
	close(ch)
	return ch
}

func audioChunks(chunks ...[]byte) <-chan []byte {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func testSessionConfig() Config {
	cfg := DefaultConfig()
	cfg.StreamingSynthesis = false
	cfg.Segment = SegmentConfig{
		SpeechDebounceFrames: 2,
		SilenceTrailFrames:   2,
		MaxUtteranceMs:       20000,
		PreRollFrames:        1,
		MinUtteranceMs:       40,
	}
	return cfg
}

// feedUtterance pushes enough speech and silence through the session to
// close one utterance under testSessionConfig's segment thresholds.
func feedUtterance(s *Session, seq *uint64) {
	for i := 0; i < 5; i++ {
		s.OnMediaFrame(speechFrame(*seq))
		*seq++
	}
	for i := 0; i < 2; i++ {
		s.OnMediaFrame(silenceFrame(*seq))
		*seq++
	}
}

// drainTurn consumes outbound chunks until the final marker and acks
// playback, returning the audio chunks seen.
func drainTurn(t *testing.T, s *Session) [][]byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got [][]byte
	for {
		c, err := s.NextOutbound(ctx)
		require.NoError(t, err)
		if c.Final {
			break
		}
		got = append(got, c.Audio)
	}
	s.OnOutboundDrained()
	return got
}

func TestSessionTurnLifecycle(t *testing.T) {
	logger := zaptest.NewLogger(t)
	tr := &stubTranscriber{fn: func(ctx context.Context, utt *Utterance) (string, error) {
		assert.NotEmpty(t, utt.Frames)
		return "what are your opening hours", nil
	}}
	gen := &stubGenerator{fn: func(ctx context.Context, history []Turn) (<-chan string, error) {
		assert.Len(t, history, 1)
		assert.Equal(t, SpeakerUser, history[0].Speaker)
		return fragments("We are open ", "nine to five."), nil
	}}
	syn := &stubSynthesizer{synthFn: func(ctx context.Context, text string) (<-chan []byte, error) {
		assert.Equal(t, "We are open nine to five.", text)
		return audioChunks([]byte{0x01, 0x02}, []byte{0x03, 0x04}), nil
	}}

	s := New("CA123", testSessionConfig(), audio.NewEnergyVAD(500), tr, gen, syn, logger, nil)
	defer s.End()

	assert.Equal(t, StateIdle, s.State())

	seq := uint64(0)
	feedUtterance(s, &seq)

	got := drainTurn(t, s)
	require.Len(t, got, 2)
	assert.Equal(t, []byte{0x01, 0x02}, got[0])

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, SpeakerUser, history[0].Speaker)
	assert.Equal(t, "what are your opening hours", history[0].Text)
	assert.Equal(t, SpeakerAssistant, history[1].Speaker)
	assert.Equal(t, "We are open nine to five.", history[1].Text)
}

func TestSessionEmptyTranscriptDropsTurn(t *testing.T) {
	var generated atomic.Bool
	tr := &stubTranscriber{fn: func(ctx context.Context, utt *Utterance) (string, error) {
		return "   ", nil
	}}
	gen := &stubGenerator{fn: func(ctx context.Context, history []Turn) (<-chan string, error) {
		generated.Store(true)
		return fragments(), nil
	}}
	syn := &stubSynthesizer{}

	s := New("CA124", testSessionConfig(), audio.NewEnergyVAD(500), tr, gen, syn, zaptest.NewLogger(t), nil)
	defer s.End()

	seq := uint64(0)
	feedUtterance(s, &seq)

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.History())
	assert.False(t, generated.Load(), "empty transcript must not reach the generator")
}

func TestSessionTranscriberFailureKeepsCallAlive(t *testing.T) {
	var generated atomic.Bool
	tr := &stubTranscriber{fn: func(ctx context.Context, utt *Utterance) (string, error) {
		return "", errors.New("asr backend unavailable")
	}}
	gen := &stubGenerator{fn: func(ctx context.Context, history []Turn) (<-chan string, error) {
		generated.Store(true)
		return fragments(), nil
	}}

	s := New("CA125", testSessionConfig(), audio.NewEnergyVAD(500), tr, gen, &stubSynthesizer{}, zaptest.NewLogger(t), nil)
	defer s.End()

	seq := uint64(0)
	feedUtterance(s, &seq)

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.History())
	assert.False(t, generated.Load(), "generator must not run after transcription failure")
	assert.NotEqual(t, StateEnded, s.State(), "pipeline errors never terminate the call")
}

func TestSessionGeneratorFailureThenRecovery(t *testing.T) {
	var calls atomic.Int64
	tr := &stubTranscriber{fn: func(ctx context.Context, utt *Utterance) (string, error) {
		return fmt.Sprintf("utterance %d", calls.Add(1)), nil
	}}
	gen := &stubGenerator{fn: func(ctx context.Context, history []Turn) (<-chan string, error) {
		if calls.Load() == 1 {
			return nil, errors.New("llm capacity exceeded")
		}
		return fragments("second time lucky"), nil
	}}
	syn := &stubSynthesizer{synthFn: func(ctx context.Context, text string) (<-chan []byte, error) {
		return audioChunks([]byte{0xAA}), nil
	}}

	s := New("CA126", testSessionConfig(), audio.NewEnergyVAD(500), tr, gen, syn, zaptest.NewLogger(t), nil)
	defer s.End()

	seq := uint64(0)
	feedUtterance(s, &seq)
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)

	// The failed turn left a user entry but no assistant reply.
	require.Len(t, s.History(), 1)

	feedUtterance(s, &seq)
	got := drainTurn(t, s)
	require.Len(t, got, 1)

	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, "second time lucky", history[2].Text)
}

func TestSessionBargeIn(t *testing.T) {
	release := make(chan struct{})
	tr := &stubTranscriber{fn: func(ctx context.Context, utt *Utterance) (string, error) {
		return "tell me a long story", nil
	}}
	gen := &stubGenerator{fn: func(ctx context.Context, history []Turn) (<-chan string, error) {
		return fragments("Once upon a time..."), nil
	}}
	syn := &stubSynthesizer{synthFn: func(ctx context.Context, text string) (<-chan []byte, error) {
		out := make(chan []byte, 1)
		out <- []byte{0x10}
		go func() {
			<-release
			close(out)
		}()
		return out, nil
	}}

	s := New("CA127", testSessionConfig(), audio.NewEnergyVAD(500), tr, gen, syn, zaptest.NewLogger(t), nil)
	defer s.End()
	defer close(release)

	seq := uint64(0)
	feedUtterance(s, &seq)

	require.Eventually(t, func() bool { return s.State() == StateSpeaking }, time.Second, 5*time.Millisecond)

	// Caller starts talking over the assistant.
	s.OnMediaFrame(speechFrame(seq))
	seq++
	s.OnMediaFrame(speechFrame(seq))
	seq++

	assert.Equal(t, StateListening, s.State())

	// No chunk of the interrupted turn may reach the transport.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.NextOutbound(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A stale drain ack from the superseded turn is ignored.
	s.OnOutboundDrained()
	assert.Equal(t, StateListening, s.State())
}

func TestSessionStreamingSynthesisBatchesFragments(t *testing.T) {
	var batches []string
	tr := &stubTranscriber{fn: func(ctx context.Context, utt *Utterance) (string, error) {
		return "how do I reset my password", nil
	}}
	gen := &stubGenerator{fn: func(ctx context.Context, history []Turn) (<-chan string, error) {
		return fragments("Open the settings ", "page, then ", "choose security options."), nil
	}}
	syn := &stubSynthesizer{streamFn: func(ctx context.Context, text <-chan string) (<-chan []byte, error) {
		out := make(chan []byte)
		go func() {
			defer close(out)
			for batch := range text {
				batches = append(batches, batch)
				out <- []byte(batch)
			}
		}()
		return out, nil
	}}

	cfg := testSessionConfig()
	cfg.StreamingSynthesis = true
	cfg.MinFragmentWords = 4

	s := New("CA128", cfg, audio.NewEnergyVAD(500), tr, gen, syn, zaptest.NewLogger(t), nil)
	defer s.End()

	seq := uint64(0)
	feedUtterance(s, &seq)

	got := drainTurn(t, s)
	require.Len(t, got, 2, "fragments should be batched into two synthesis calls")
	assert.Equal(t, []string{"Open the settings page, then ", "choose security options."}, batches)

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, "Open the settings page, then choose security options.", history[1].Text)
}

func TestSessionPendingUtterancesProcessedInOrder(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int64
	tr := &stubTranscriber{fn: func(ctx context.Context, utt *Utterance) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			<-gate
		}
		return fmt.Sprintf("question %d", n), nil
	}}
	gen := &stubGenerator{fn: func(ctx context.Context, history []Turn) (<-chan string, error) {
		return fragments(fmt.Sprintf("answer %d", (len(history)+1)/2)), nil
	}}
	syn := &stubSynthesizer{synthFn: func(ctx context.Context, text string) (<-chan []byte, error) {
		return audioChunks([]byte(text)), nil
	}}

	s := New("CA129", testSessionConfig(), audio.NewEnergyVAD(500), tr, gen, syn, zaptest.NewLogger(t), nil)
	defer s.End()

	seq := uint64(0)
	feedUtterance(s, &seq)
	feedUtterance(s, &seq) // queued behind the blocked first turn
	close(gate)

	for i := 1; i <= 2; i++ {
		got := drainTurn(t, s)
		require.Len(t, got, 1)
		assert.Equal(t, fmt.Sprintf("answer %d", i), string(got[0]))
	}

	history := s.History()
	require.Len(t, history, 4)
	assert.Equal(t, "question 1", history[0].Text)
	assert.Equal(t, "answer 1", history[1].Text)
	assert.Equal(t, "question 2", history[2].Text)
	assert.Equal(t, "answer 2", history[3].Text)
}

func TestSessionEnd(t *testing.T) {
	s := New("CA130", testSessionConfig(), audio.NewEnergyVAD(500),
		&stubTranscriber{fn: func(ctx context.Context, utt *Utterance) (string, error) { return "", nil }},
		&stubGenerator{fn: func(ctx context.Context, history []Turn) (<-chan string, error) { return fragments(), nil }},
		&stubSynthesizer{}, zaptest.NewLogger(t), nil)

	s.End()
	s.End() // idempotent

	assert.Equal(t, StateEnded, s.State())
	assert.True(t, s.State().Terminal())

	// Frames after end are dropped without transitions.
	s.OnMediaFrame(speechFrame(0))
	assert.Equal(t, StateEnded, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.NextOutbound(ctx)
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestSessionsAreIndependent(t *testing.T) {
	stall := make(chan []byte)
	defer close(stall)

	tr := &stubTranscriber{fn: func(ctx context.Context, utt *Utterance) (string, error) {
		return "hello", nil
	}}
	gen := &stubGenerator{fn: func(ctx context.Context, history []Turn) (<-chan string, error) {
		return fragments("hi there"), nil
	}}
	stuckSyn := &stubSynthesizer{synthFn: func(ctx context.Context, text string) (<-chan []byte, error) {
		return stall, nil // never produces audio
	}}
	liveSyn := &stubSynthesizer{synthFn: func(ctx context.Context, text string) (<-chan []byte, error) {
		return audioChunks([]byte{0x42}), nil
	}}

	a := New("CA-A", testSessionConfig(), audio.NewEnergyVAD(500), tr, gen, stuckSyn, zaptest.NewLogger(t), nil)
	defer a.End()
	b := New("CA-B", testSessionConfig(), audio.NewEnergyVAD(500), tr, gen, liveSyn, zaptest.NewLogger(t), nil)
	defer b.End()

	seqA, seqB := uint64(0), uint64(0)
	feedUtterance(a, &seqA)
	feedUtterance(b, &seqB)

	// B completes its turn while A is stuck in synthesis.
	got := drainTurn(t, b)
	require.Len(t, got, 1)
	require.Eventually(t, func() bool { return b.State() == StateIdle }, time.Second, 5*time.Millisecond)
	require.Len(t, b.History(), 2)

	require.Eventually(t, func() bool { return len(a.History()) == 2 }, time.Second, 5*time.Millisecond,
		"A's reply text is recorded even while audio is pending")
	assert.Equal(t, StateSynthesizing, a.State())
}

// histogramSum extracts the sample sum of one labeled stage-latency
// series from a gathered registry.
func histogramSum(t *testing.T, reg *prometheus.Registry, name, stage string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "stage" && l.GetValue() == stage {
					require.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
					return m.GetHistogram().GetSampleSum()
				}
			}
		}
	}
	t.Fatalf("no %s series for stage %q", name, stage)
	return 0
}

func TestSessionStageLatencySeparatesGenerateFromSynthesis(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith("test", reg, zaptest.NewLogger(t))

	const synthDelay = 150 * time.Millisecond

	tr := &stubTranscriber{fn: func(ctx context.Context, utt *Utterance) (string, error) {
		return "hello", nil
	}}
	gen := &stubGenerator{fn: func(ctx context.Context, history []Turn) (<-chan string, error) {
		return fragments("thanks for calling today"), nil
	}}
	syn := &stubSynthesizer{streamFn: func(ctx context.Context, text <-chan string) (<-chan []byte, error) {
		out := make(chan []byte)
		go func() {
			defer close(out)
			for range text {
			}
			time.Sleep(synthDelay)
			out <- []byte{0x01, 0x02}
		}()
		return out, nil
	}}

	cfg := testSessionConfig()
	cfg.StreamingSynthesis = true
	cfg.MinFragmentWords = 2

	s := New("CA901", cfg, audio.NewEnergyVAD(500), tr, gen, syn, zaptest.NewLogger(t), collector)
	defer s.End()

	seq := uint64(0)
	feedUtterance(s, &seq)
	drainTurn(t, s)

	generate := histogramSum(t, reg, "test_stage_latency_seconds", "generate")
	synthesize := histogramSum(t, reg, "test_stage_latency_seconds", "synthesize")
	assert.Less(t, generate, synthDelay.Seconds(),
		"generation latency must not absorb synthesis time")
	assert.GreaterOrEqual(t, synthesize, synthDelay.Seconds())
}
