package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/voicebridge/audio"
)

const (
	testSampleRate   = 8000
	testFrameSamples = 160 // 20ms at 8kHz
)

// tone returns a 20ms frame whose every sample is amp. With the energy
// VAD, amp 1000 classifies as speech and amp 0 as silence.
func tone(seq uint64, amp int16) audio.Frame {
	pcm := make([]int16, testFrameSamples)
	for i := range pcm {
		pcm[i] = amp
	}
	return audio.Frame{Seq: seq, PCM: pcm, SampleRate: testSampleRate}
}

func speechFrame(seq uint64) audio.Frame  { return tone(seq, 1000) }
func silenceFrame(seq uint64) audio.Frame { return tone(seq, 0) }

func newTestSegmentBuffer(cfg SegmentConfig) *SegmentBuffer {
	return NewSegmentBuffer(cfg, audio.NewEnergyVAD(500))
}

func TestSegmentBufferDebounce(t *testing.T) {
	cfg := SegmentConfig{
		SpeechDebounceFrames: 3,
		SilenceTrailFrames:   5,
		MaxUtteranceMs:       20000,
		PreRollFrames:        4,
		MinUtteranceMs:       40,
	}
	b := newTestSegmentBuffer(cfg)

	// A two-frame noise burst must not open an utterance.
	ev, _ := b.Push(speechFrame(0))
	assert.Equal(t, EventNone, ev)
	ev, _ = b.Push(speechFrame(1))
	assert.Equal(t, EventNone, ev)
	ev, _ = b.Push(silenceFrame(2))
	assert.Equal(t, EventNone, ev)
	assert.False(t, b.InSpeech())

	// Three consecutive speech frames confirm speech.
	for seq := uint64(3); seq < 5; seq++ {
		ev, _ = b.Push(speechFrame(seq))
		assert.Equal(t, EventNone, ev)
	}
	ev, _ = b.Push(speechFrame(5))
	assert.Equal(t, EventSpeechStarted, ev)
	assert.True(t, b.InSpeech())
}

// Matches the reference scenario: silence x5, speech x10, silence x8
// with debounce=3 and trail=5 yields exactly one utterance spanning
// pre-roll through the first 3 trailing silence frames.
func TestSegmentBufferUtteranceBoundary(t *testing.T) {
	cfg := SegmentConfig{
		SpeechDebounceFrames: 3,
		SilenceTrailFrames:   5,
		MaxUtteranceMs:       20000,
		PreRollFrames:        4,
		MinUtteranceMs:       40,
	}
	b := newTestSegmentBuffer(cfg)

	var utterances []*Utterance
	seq := uint64(0)
	push := func(f audio.Frame) SegmentEvent {
		ev, utt := b.Push(f)
		if utt != nil {
			utterances = append(utterances, utt)
		}
		return ev
	}

	for i := 0; i < 5; i++ {
		assert.Equal(t, EventNone, push(silenceFrame(seq)))
		seq++
	}
	for i := 0; i < 10; i++ {
		push(speechFrame(seq))
		seq++
	}
	var closing SegmentEvent
	for i := 0; i < 8; i++ {
		ev := push(silenceFrame(seq))
		if ev == EventUtteranceReady {
			closing = ev
		}
		seq++
	}

	require.Equal(t, EventUtteranceReady, closing)
	require.Len(t, utterances, 1)

	utt := utterances[0]
	// Pre-roll keeps 4 look-back frames ahead of the 3-frame debounce
	// run; trailing silence is trimmed to ceil(5/2)=3 frames.
	first := utt.Frames[0].Seq
	last := utt.Frames[len(utt.Frames)-1].Seq
	assert.Equal(t, uint64(1), first, "utterance should start at the pre-roll window")
	assert.Equal(t, uint64(17), last, "utterance should keep the first 3 trailing silence frames")

	// Frames are contiguous and ordered.
	for i := 1; i < len(utt.Frames); i++ {
		assert.Equal(t, utt.Frames[i-1].Seq+1, utt.Frames[i].Seq)
	}
}

func TestSegmentBufferShortUtteranceDiscarded(t *testing.T) {
	cfg := SegmentConfig{
		SpeechDebounceFrames: 2,
		SilenceTrailFrames:   3,
		MaxUtteranceMs:       20000,
		PreRollFrames:        2,
		MinUtteranceMs:       500, // 25 frames, far above the burst below
	}
	b := newTestSegmentBuffer(cfg)

	seq := uint64(0)
	for i := 0; i < 3; i++ {
		b.Push(speechFrame(seq))
		seq++
	}
	var ev SegmentEvent
	var utt *Utterance
	for i := 0; i < 3; i++ {
		ev, utt = b.Push(silenceFrame(seq))
		seq++
	}
	assert.Equal(t, EventUtteranceReady, ev)
	assert.Nil(t, utt, "sub-minimum utterance must be discarded silently")
	assert.False(t, b.InSpeech())
}

func TestSegmentBufferMaxDurationFlush(t *testing.T) {
	cfg := SegmentConfig{
		SpeechDebounceFrames: 2,
		SilenceTrailFrames:   50,
		MaxUtteranceMs:       200, // 10 frames
		PreRollFrames:        2,
		MinUtteranceMs:       40,
	}
	b := newTestSegmentBuffer(cfg)

	var ev SegmentEvent
	var utt *Utterance
	for seq := uint64(0); seq < 30; seq++ {
		ev, utt = b.Push(speechFrame(seq))
		if ev == EventTimeout {
			break
		}
	}
	require.Equal(t, EventTimeout, ev)
	require.NotNil(t, utt)
	assert.GreaterOrEqual(t, int(utt.Duration().Milliseconds()), cfg.MaxUtteranceMs)
	assert.False(t, b.InSpeech(), "buffer must reset after forced flush")
}

func TestSegmentBufferReset(t *testing.T) {
	cfg := DefaultSegmentConfig()
	b := newTestSegmentBuffer(cfg)
	for seq := uint64(0); seq < 10; seq++ {
		b.Push(speechFrame(seq))
	}
	require.True(t, b.InSpeech())
	b.Reset()
	assert.False(t, b.InSpeech())
	ev, _ := b.Push(silenceFrame(100))
	assert.Equal(t, EventNone, ev)
}

// Property: whatever the speech/silence pattern, every emitted
// utterance is non-empty, at least the minimum duration, bounded by the
// cap plus one frame, and its frames are a contiguous ordered slice of
// the input; and no utterance is emitted at all when the input has no
// debounce-length speech run.
func TestSegmentBufferProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := SegmentConfig{
			SpeechDebounceFrames: rapid.IntRange(1, 5).Draw(t, "debounce"),
			SilenceTrailFrames:   rapid.IntRange(1, 8).Draw(t, "trail"),
			MaxUtteranceMs:       rapid.IntRange(200, 2000).Draw(t, "maxMs"),
			PreRollFrames:        rapid.IntRange(0, 6).Draw(t, "preRoll"),
			MinUtteranceMs:       rapid.IntRange(0, 200).Draw(t, "minMs"),
		}
		pattern := rapid.SliceOfN(rapid.Bool(), 1, 300).Draw(t, "pattern")

		b := newTestSegmentBuffer(cfg)
		var utterances []*Utterance
		longestRun, run := 0, 0
		for i, isSpeech := range pattern {
			f := silenceFrame(uint64(i))
			if isSpeech {
				f = speechFrame(uint64(i))
				run++
				if run > longestRun {
					longestRun = run
				}
			} else {
				run = 0
			}
			_, utt := b.Push(f)
			if utt != nil {
				utterances = append(utterances, utt)
			}
		}

		if longestRun < cfg.SpeechDebounceFrames {
			if len(utterances) != 0 {
				t.Fatalf("emitted %d utterances without a debounce-length speech run", len(utterances))
			}
			return
		}

		frameMs := 20
		for _, utt := range utterances {
			if len(utt.Frames) == 0 {
				t.Fatalf("empty utterance emitted")
			}
			durMs := len(utt.Frames) * frameMs
			if durMs < cfg.MinUtteranceMs {
				t.Fatalf("utterance below minimum duration: %dms < %dms", durMs, cfg.MinUtteranceMs)
			}
			if durMs > cfg.MaxUtteranceMs+frameMs {
				t.Fatalf("utterance exceeds duration cap: %dms", durMs)
			}
			for i := 1; i < len(utt.Frames); i++ {
				if utt.Frames[i].Seq != utt.Frames[i-1].Seq+1 {
					t.Fatalf("non-contiguous utterance frames at %d", i)
				}
			}
		}
	})
}
