// Package config provides unified configuration loading: defaults,
// then a YAML file, then environment-variable overrides with the
// VOICEBRIDGE prefix.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("VOICEBRIDGE").
//	    Load()
package config

import (
	"time"

	"github.com/BaSui01/voicebridge/artifacts"
	"github.com/BaSui01/voicebridge/reply"
	"github.com/BaSui01/voicebridge/session"
	"github.com/BaSui01/voicebridge/speech"
	"github.com/BaSui01/voicebridge/transport"
)

// Config is the full voicebridge configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Log       LogConfig               `yaml:"log"`
	Webhook   transport.WebhookConfig `yaml:"webhook"`
	Transport transport.Config        `yaml:"transport"`
	Session   session.Config          `yaml:"session"`
	VAD       VADConfig               `yaml:"vad"`
	STT       speech.STTConfig        `yaml:"stt"`
	TTS       speech.TTSConfig        `yaml:"tts"`
	LLM       reply.Config            `yaml:"llm"`
	Artifacts artifacts.Config        `yaml:"artifacts"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// VADConfig configures voice activity detection.
type VADConfig struct {
	// EnergyThreshold is the RMS level above which a frame counts as
	// speech.
	EnergyThreshold float64 `yaml:"energy_threshold"`
}

// Default returns the complete default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8000",
			// Media streams are long-lived; no read deadline.
			ReadTimeout:     0,
			WriteTimeout:    0,
			IdleTimeout:     300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Webhook:   transport.DefaultWebhookConfig(),
		Transport: transport.DefaultConfig(),
		Session:   session.DefaultConfig(),
		VAD:       VADConfig{EnergyThreshold: 500},
		STT:       speech.DefaultSTTConfig(),
		TTS:       speech.DefaultTTSConfig(),
		LLM:       reply.DefaultConfig(),
		Artifacts: artifacts.DefaultConfig(),
	}
}
