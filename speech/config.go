package speech

import (
	"errors"
	"time"
)

var (
	// ErrTranscription 语音转写失败
	ErrTranscription = errors.New("transcription failed")

	// ErrSynthesis 语音合成失败
	ErrSynthesis = errors.New("speech synthesis failed")
)

// STTConfig configures the Whisper transcription client.
type STTConfig struct {
	APIKey   string        `yaml:"api_key" json:"api_key"`
	BaseURL  string        `yaml:"base_url" json:"base_url"`
	Model    string        `yaml:"model,omitempty" json:"model,omitempty"` // whisper-1
	Language string        `yaml:"language,omitempty" json:"language,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DefaultSTTConfig returns the default transcription configuration.
func DefaultSTTConfig() STTConfig {
	return STTConfig{
		BaseURL: "https://api.openai.com",
		Model:   "whisper-1",
		Timeout: 120 * time.Second,
	}
}

// TTSConfig configures the synthesis client.
type TTSConfig struct {
	APIKey  string        `yaml:"api_key" json:"api_key"`
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Model   string        `yaml:"model,omitempty" json:"model,omitempty"` // tts-1, tts-1-hd
	Voice   string        `yaml:"voice,omitempty" json:"voice,omitempty"` // alloy, echo, fable, onyx, nova, shimmer
	// Format is the response audio encoding. The transport re-encodes
	// for the carrier, so raw little-endian PCM avoids a decode step.
	Format  string        `yaml:"format,omitempty" json:"format,omitempty"`
	// SampleRate of the returned PCM audio.
	SampleRate int           `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// ChunkBytes sets the granularity of the lazy chunk sequence.
	ChunkBytes int `yaml:"chunk_bytes,omitempty" json:"chunk_bytes,omitempty"`
}

// DefaultTTSConfig returns the default synthesis configuration.
func DefaultTTSConfig() TTSConfig {
	return TTSConfig{
		BaseURL:    "https://api.openai.com",
		Model:      "tts-1",
		Voice:      "alloy",
		Format:     "pcm",
		SampleRate: 24000,
		Timeout:    60 * time.Second,
		ChunkBytes: 8192,
	}
}
