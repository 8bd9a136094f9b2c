package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/voicebridge/artifacts"
	"github.com/BaSui01/voicebridge/audio"
	"github.com/BaSui01/voicebridge/reply"
	"github.com/BaSui01/voicebridge/speech"
)

// SpeechTranscriber adapts the Whisper client to the Transcriber
// interface, packaging utterance PCM as a WAV upload.
type SpeechTranscriber struct {
	Client *speech.STTClient
}

// Transcribe converts the utterance to WAV and sends it to the engine.
func (a *SpeechTranscriber) Transcribe(ctx context.Context, utt *Utterance) (string, error) {
	wav := audio.EncodeWAV(utt.PCM(), utt.SampleRate())
	return a.Client.Transcribe(ctx, wav)
}

// ReplyGenerator adapts the chat client to the Generator interface,
// converting conversation turns to chat messages.
type ReplyGenerator struct {
	Client *reply.Client
}

// Generate streams the assistant reply for the history so far.
func (a *ReplyGenerator) Generate(ctx context.Context, history []Turn) (<-chan string, error) {
	msgs := make([]reply.Message, 0, len(history))
	for _, t := range history {
		role := reply.RoleUser
		if t.Speaker == SpeakerAssistant {
			role = reply.RoleAssistant
		}
		msgs = append(msgs, reply.Message{Role: role, Content: t.Text})
	}
	return a.Client.Stream(ctx, msgs)
}

// SpeechSynthesizer adapts the TTS client to the Synthesizer interface.
// When Store is set, each turn's synthesized audio is also persisted as
// a WAV artifact for later retrieval.
type SpeechSynthesizer struct {
	Client *speech.TTSClient
	Store  *artifacts.FileStore
	Logger *zap.Logger
}

// Synthesize streams chunks for the full reply text.
func (a *SpeechSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	ch, err := a.Client.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return a.tee(ctx, ch), nil
}

// SynthesizeStream streams chunks for incremental reply batches.
func (a *SpeechSynthesizer) SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	ch, err := a.Client.SynthesizeStream(ctx, text)
	if err != nil {
		return nil, err
	}
	return a.tee(ctx, ch), nil
}

// tee forwards chunks unchanged while accumulating them; the whole
// turn's audio is saved once the stream ends. The session stops reading
// when a turn is interrupted or the call ends, so every send races the
// turn context: once it is cancelled the forwarder stops sending and
// only drains the engine stream, persisting what was synthesized.
func (a *SpeechSynthesizer) tee(ctx context.Context, in <-chan []byte) <-chan []byte {
	if a.Store == nil {
		return in
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		var pcm []int16
		forward := true
		for chunk := range in {
			for i := 0; i+1 < len(chunk); i += 2 {
				pcm = append(pcm, int16(uint16(chunk[i])|uint16(chunk[i+1])<<8))
			}
			if !forward {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				forward = false
			}
		}
		if len(pcm) == 0 {
			return
		}
		name, err := a.Store.Save(audio.EncodeWAV(pcm, a.Client.SampleRate()), "wav")
		if err != nil {
			if a.Logger != nil {
				a.Logger.Warn("failed to save turn audio", zap.Error(err))
			}
			return
		}
		if a.Logger != nil {
			a.Logger.Debug("saved turn audio", zap.String("artifact", name))
		}
	}()
	return out
}
