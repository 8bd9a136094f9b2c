package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/voicebridge/artifacts"
	"github.com/BaSui01/voicebridge/audio"
	"github.com/BaSui01/voicebridge/config"
	"github.com/BaSui01/voicebridge/internal/metrics"
	"github.com/BaSui01/voicebridge/internal/server"
	"github.com/BaSui01/voicebridge/reply"
	"github.com/BaSui01/voicebridge/session"
	"github.com/BaSui01/voicebridge/speech"
	"github.com/BaSui01/voicebridge/transport"
)

// Server wires the call pipeline to its HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	registry    *session.Registry
	store       *artifacts.FileStore
	httpManager *server.Manager
	collector   *metrics.Collector

	bgCancel context.CancelFunc
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start builds the pipeline and launches the HTTP listener.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("voicebridge", s.logger)

	store, err := artifacts.NewFileStore(s.cfg.Artifacts, s.logger)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	s.store = store

	stt := speech.NewSTTClient(s.cfg.STT, s.logger)
	tts := speech.NewTTSClient(s.cfg.TTS, s.logger)
	llm := reply.NewClient(s.cfg.LLM, s.logger)

	s.registry = session.NewRegistry(s.cfg.Session, session.Deps{
		VAD:         audio.NewEnergyVAD(s.cfg.VAD.EnergyThreshold),
		Transcriber: &session.SpeechTranscriber{Client: stt},
		Generator:   &session.ReplyGenerator{Client: llm},
		Synthesizer: &session.SpeechSynthesizer{Client: tts, Store: store, Logger: s.logger},
		Logger:      s.logger,
		Collector:   s.collector,
	})

	media, err := transport.NewMediaHandler(s.registry, s.cfg.Transport, s.logger, s.collector)
	if err != nil {
		return fmt.Errorf("media handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /incoming", transport.NewIncomingCallHandler(s.cfg.Webhook, s.logger))
	mux.Handle("/media/", media)
	mux.Handle("/audiofile/", &transport.AudioFileHandler{Store: store, Logger: s.logger})
	mux.HandleFunc("GET /healthz", transport.HealthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	go store.Run(bgCtx)

	s.httpManager = server.NewManager(mux, server.Config{
		Addr:            s.cfg.Server.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
		return s.httpManager.StartTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
	}
	return s.httpManager.Start()
}

// WaitForShutdown blocks until termination, then drains calls and the
// listener.
func (s *Server) WaitForShutdown() error {
	err := s.httpManager.WaitForShutdown()
	s.bgCancel()
	s.registry.Shutdown()
	s.logger.Info("shutdown complete")
	return err
}
