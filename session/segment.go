package session

import (
	"time"

	"github.com/BaSui01/voicebridge/audio"
)

// SegmentEvent is the outcome of pushing one frame into a SegmentBuffer.
type SegmentEvent string

const (
	EventNone             SegmentEvent = ""
	EventSpeechStarted    SegmentEvent = "speech_started"
	EventSpeechContinuing SegmentEvent = "speech_continuing"
	EventUtteranceReady   SegmentEvent = "utterance_ready"
	EventTimeout          SegmentEvent = "timeout" // max-duration forced flush
)

// Utterance is one contiguous speech turn extracted from the stream:
// pre-roll frames, the speech run, and a short trailing-silence pad.
type Utterance struct {
	Frames []audio.Frame
}

// Duration returns the total wall-clock length of the utterance.
func (u *Utterance) Duration() time.Duration {
	var d time.Duration
	for _, f := range u.Frames {
		d += f.Duration()
	}
	return d
}

// SampleRate returns the sample rate of the utterance's frames.
func (u *Utterance) SampleRate() int {
	if len(u.Frames) == 0 {
		return 0
	}
	return u.Frames[0].SampleRate
}

// PCM concatenates the utterance's frames into one sample slice.
func (u *Utterance) PCM() []int16 {
	n := 0
	for _, f := range u.Frames {
		n += len(f.PCM)
	}
	out := make([]int16, 0, n)
	for _, f := range u.Frames {
		out = append(out, f.PCM...)
	}
	return out
}

// SegmentConfig tunes utterance boundary detection. Frame counts assume
// the transport's fixed frame duration (20ms for carrier media streams).
type SegmentConfig struct {
	// SpeechDebounceFrames consecutive speech frames before an
	// utterance opens. Debounces transient noise.
	SpeechDebounceFrames int `yaml:"speech_debounce_frames" json:"speech_debounce_frames"`

	// SilenceTrailFrames consecutive silence frames that close an
	// utterance.
	SilenceTrailFrames int `yaml:"silence_trail_frames" json:"silence_trail_frames"`

	// MaxUtteranceMs forces a flush regardless of silence, so a
	// stuck-open microphone cannot buffer unboundedly.
	MaxUtteranceMs int `yaml:"max_utterance_ms" json:"max_utterance_ms"`

	// PreRollFrames of look-back kept while idle so the first speech
	// frames are not clipped once speech is confirmed.
	PreRollFrames int `yaml:"pre_roll_frames" json:"pre_roll_frames"`

	// MinUtteranceMs below which a closed utterance is discarded as a
	// noise burst, without invoking transcription.
	MinUtteranceMs int `yaml:"min_utterance_ms" json:"min_utterance_ms"`
}

// DefaultSegmentConfig returns thresholds tuned for 20ms telephone
// frames.
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		SpeechDebounceFrames: 3,     // 60ms
		SilenceTrailFrames:   40,    // 800ms
		MaxUtteranceMs:       20000, // 20s
		PreRollFrames:        8,     // 160ms
		MinUtteranceMs:       300,
	}
}

// SegmentBuffer accumulates PCM frames into utterances. It is not safe
// for concurrent use; the owning Session serializes access.
type SegmentBuffer struct {
	cfg SegmentConfig
	vad audio.Classifier

	inSpeech      bool
	preRoll       []audio.Frame
	frames        []audio.Frame
	durMs         int
	consecSpeech  int
	consecSilence int
}

// NewSegmentBuffer creates a buffer using vad to classify frames.
func NewSegmentBuffer(cfg SegmentConfig, vad audio.Classifier) *SegmentBuffer {
	if cfg.SpeechDebounceFrames <= 0 {
		cfg.SpeechDebounceFrames = 1
	}
	if cfg.SilenceTrailFrames <= 0 {
		cfg.SilenceTrailFrames = 1
	}
	return &SegmentBuffer{cfg: cfg, vad: vad}
}

// InSpeech reports whether an utterance is currently open.
func (b *SegmentBuffer) InSpeech() bool { return b.inSpeech }

// Push feeds one frame through the detector. The returned utterance is
// non-nil only on EventUtteranceReady or EventTimeout; a nil utterance
// with one of those events means the boundary was reached but the
// segment was under the minimum duration and has been discarded.
func (b *SegmentBuffer) Push(f audio.Frame) (SegmentEvent, *Utterance) {
	speech := b.vad.IsSpeech(f.PCM)

	if !b.inSpeech {
		b.pushPreRoll(f)
		if speech {
			b.consecSpeech++
		} else {
			b.consecSpeech = 0
		}
		if b.consecSpeech < b.cfg.SpeechDebounceFrames {
			return EventNone, nil
		}
		// Speech confirmed: the pre-roll ring already holds the
		// debounce frames plus look-back.
		b.inSpeech = true
		b.frames = append(b.frames[:0], b.preRoll...)
		b.preRoll = b.preRoll[:0]
		b.durMs = 0
		for _, pf := range b.frames {
			b.durMs += pf.Millis()
		}
		b.consecSpeech = 0
		b.consecSilence = 0
		return EventSpeechStarted, nil
	}

	b.frames = append(b.frames, f)
	b.durMs += f.Millis()
	if speech {
		b.consecSilence = 0
	} else {
		b.consecSilence++
	}

	if b.consecSilence >= b.cfg.SilenceTrailFrames {
		return EventUtteranceReady, b.close(true)
	}
	if b.durMs >= b.cfg.MaxUtteranceMs {
		return EventTimeout, b.close(false)
	}
	return EventSpeechContinuing, nil
}

// Reset drops all buffered state.
func (b *SegmentBuffer) Reset() {
	b.inSpeech = false
	b.preRoll = nil
	b.frames = nil
	b.durMs = 0
	b.consecSpeech = 0
	b.consecSilence = 0
}

func (b *SegmentBuffer) pushPreRoll(f audio.Frame) {
	// Ring capacity covers the look-back window plus the debounce run
	// so confirmed speech onsets are never clipped.
	capacity := b.cfg.PreRollFrames + b.cfg.SpeechDebounceFrames
	if capacity < b.cfg.SpeechDebounceFrames {
		capacity = b.cfg.SpeechDebounceFrames
	}
	b.preRoll = append(b.preRoll, f)
	if len(b.preRoll) > capacity {
		b.preRoll = b.preRoll[len(b.preRoll)-capacity:]
	}
}

// close ends the open segment. With trim set, the trailing silence run
// is cut down to half the trail window (rounded up) so the ASR engine
// gets a natural pause without the full dead air.
func (b *SegmentBuffer) close(trim bool) *Utterance {
	frames := b.frames
	durMs := b.durMs
	if trim {
		keep := (b.cfg.SilenceTrailFrames + 1) / 2
		drop := b.consecSilence - keep
		if drop > 0 && drop < len(frames) {
			for _, f := range frames[len(frames)-drop:] {
				durMs -= f.Millis()
			}
			frames = frames[:len(frames)-drop]
		}
	}

	b.frames = nil
	b.durMs = 0
	b.inSpeech = false
	b.consecSpeech = 0
	b.consecSilence = 0

	if durMs < b.cfg.MinUtteranceMs || len(frames) == 0 {
		return nil
	}
	return &Utterance{Frames: frames}
}
