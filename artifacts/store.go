// Package artifacts persists synthesized turn audio on disk so the
// carrier (or an operator) can fetch a turn's audio over HTTP after the
// fact. Files are named with fresh UUIDs and swept by age.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config configures the on-disk audio store.
type Config struct {
	// Dir holds the audio files. Created on startup.
	Dir string `yaml:"dir" json:"dir"`
	// MaxAge after which Sweep removes a file. Zero disables sweeping.
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`
	// SweepInterval between sweeps when Run is used.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig returns store defaults.
func DefaultConfig() Config {
	return Config{
		Dir:           "static/audio",
		MaxAge:        1 * time.Hour,
		SweepInterval: 10 * time.Minute,
	}
}

// FileStore is a local-filesystem audio artifact store.
type FileStore struct {
	cfg    Config
	logger *zap.Logger
}

// NewFileStore creates the store and its directory.
func NewFileStore(cfg Config, logger *zap.Logger) (*FileStore, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultConfig().Dir
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "artifacts")),
	}, nil
}

// Save writes one audio blob and returns its file name.
func (s *FileStore) Save(data []byte, ext string) (string, error) {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "wav"
	}
	name := uuid.NewString() + "." + ext
	if err := os.WriteFile(filepath.Join(s.cfg.Dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return name, nil
}

// Open returns a reader for a stored file. Names containing path
// separators are rejected.
func (s *FileStore) Open(name string) (io.ReadCloser, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, os.ErrNotExist
	}
	return os.Open(filepath.Join(s.cfg.Dir, name))
}

// Sweep removes files older than MaxAge.
func (s *FileStore) Sweep() error {
	if s.cfg.MaxAge <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.cfg.MaxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.cfg.Dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.logger.Debug("swept artifacts", zap.Int("removed", removed))
	}
	return nil
}

// Run sweeps periodically until the context is cancelled.
func (s *FileStore) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(); err != nil {
				s.logger.Warn("artifact sweep failed", zap.Error(err))
			}
		}
	}
}
