// Package transport connects carrier media streams to call sessions: a
// WebSocket handler for inbound audio and paced outbound playback, the
// voice webhook that points the carrier at the stream, and HTTP serving
// of stored turn audio.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/voicebridge/audio"
	"github.com/BaSui01/voicebridge/internal/metrics"
	"github.com/BaSui01/voicebridge/session"
)

// Config tunes the media-stream transport.
type Config struct {
	// Encoding and SampleRate of the carrier's inbound audio.
	Encoding   audio.Encoding `yaml:"encoding" json:"encoding"`
	SampleRate int            `yaml:"sample_rate" json:"sample_rate"`

	// FrameMs is the outbound framing granularity and pacing interval.
	FrameMs int `yaml:"frame_ms" json:"frame_ms"`

	// TTSSampleRate of synthesized PCM arriving from the pipeline;
	// outbound audio is resampled from it to the carrier rate.
	TTSSampleRate int `yaml:"tts_sample_rate" json:"tts_sample_rate"`
}

// DefaultConfig returns transport defaults for G.711 telephone media.
func DefaultConfig() Config {
	return Config{
		Encoding:      audio.EncodingMuLaw,
		SampleRate:    8000,
		FrameMs:       20,
		TTSSampleRate: 24000,
	}
}

// MediaHandler upgrades carrier connections at /media/{callSid} and
// routes frames between the socket and the call's session.
type MediaHandler struct {
	registry  *session.Registry
	cfg       Config
	decoder   *audio.Decoder
	logger    *zap.Logger
	collector *metrics.Collector
}

// NewMediaHandler creates the media-stream handler.
func NewMediaHandler(registry *session.Registry, cfg Config, logger *zap.Logger, collector *metrics.Collector) (*MediaHandler, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = 20
	}
	if cfg.TTSSampleRate <= 0 {
		cfg.TTSSampleRate = 24000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = audio.EncodingMuLaw
	}
	decoder, err := audio.NewDecoder(cfg.Encoding, cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaHandler{
		registry:  registry,
		cfg:       cfg,
		decoder:   decoder,
		logger:    logger.With(zap.String("component", "media_ws")),
		collector: collector,
	}, nil
}

// ServeHTTP accepts the carrier WebSocket and runs the read and write
// pumps until the stream stops or the connection drops.
func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := path.Base(r.URL.Path)
	if callID == "" || callID == "media" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	sess, err := h.registry.Create(callID)
	if err != nil {
		// Duplicate call id is an integration error; reject the
		// connection and leave the existing call untouched.
		h.logger.Error("rejecting connection", zap.String("call_id", callID), zap.Error(err))
		conn.Close(websocket.StatusPolicyViolation, "duplicate call id")
		return
	}
	logger := h.logger.With(zap.String("call_id", callID))
	logger.Info("media stream connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A clean stop must also release the write pump.
		defer cancel()
		return h.readPump(ctx, conn, sess, logger)
	})
	g.Go(func() error {
		defer cancel()
		return h.writePump(ctx, conn, sess, logger)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("media stream closed with error", zap.Error(err))
	} else {
		logger.Info("media stream closed")
	}

	if remErr := h.registry.Remove(callID); remErr != nil {
		logger.Warn("session removal", zap.Error(remErr))
	}
	conn.Close(websocket.StatusNormalClosure, "call ended")
}

// readPump decodes inbound events and feeds the session. A malformed
// frame is dropped and logged; it never aborts the call.
func (h *MediaHandler) readPump(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger *zap.Logger) error {
	var fallbackSeq uint64
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("unparseable message", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "connected":
			// protocol preamble
		case "start":
			if msg.Start != nil {
				logger.Info("stream started",
					zap.String("stream_sid", msg.Start.StreamSid),
					zap.String("encoding", msg.Start.MediaFmt.Encoding))
			}
		case "media":
			if msg.Media == nil {
				continue
			}
			fallbackSeq++
			seq := fallbackSeq
			if n, err := strconv.ParseUint(msg.SequenceNumber, 10, 64); err == nil {
				seq = n
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				logger.Debug("bad media payload", zap.Uint64("seq", seq), zap.Error(err))
				h.collector.RecordMalformedFrame()
				continue
			}
			frame, err := h.decoder.Decode(seq, raw)
			if err != nil {
				logger.Debug("undecodable frame", zap.Uint64("seq", seq), zap.Error(err))
				h.collector.RecordMalformedFrame()
				continue
			}
			sess.OnMediaFrame(frame)
		case "mark":
			if msg.Mark != nil && msg.Mark.Name == endOfTurnMark {
				sess.OnOutboundDrained()
			}
		case "stop":
			return nil
		}
	}
}

// writePump streams synthesized audio back to the carrier: chunks are
// resampled to the carrier rate, μ-law encoded, cut into fixed frames
// and paced in near real time. A Final chunk becomes a mark message the
// carrier echoes once playback drains.
func (h *MediaHandler) writePump(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger *zap.Logger) error {
	frameSamples := h.cfg.SampleRate * h.cfg.FrameMs / 1000
	frameDur := time.Duration(h.cfg.FrameMs) * time.Millisecond
	// Slight burst so playback stays ahead of the paced schedule
	// without flooding the carrier.
	limiter := rate.NewLimiter(rate.Every(frameDur), 5)

	var pcm []int16 // carrier-rate samples awaiting framing
	var gen uint64
	for {
		chunk, err := sess.NextOutbound(ctx)
		if err != nil {
			if errors.Is(err, session.ErrSessionEnded) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if chunk.Generation() != gen {
			// New turn: the interrupted turn's sub-frame remainder
			// must not leak into its audio.
			gen = chunk.Generation()
			pcm = pcm[:0]
		}

		if chunk.Final {
			// Flush the remainder, then ask for the drain echo.
			if len(pcm) > 0 {
				if err := h.writeFrame(ctx, conn, pcm, limiter); err != nil {
					return err
				}
				pcm = nil
			}
			mark := outboundMessage{Event: "mark", Mark: &markPayload{Name: endOfTurnMark}}
			if err := h.writeJSON(ctx, conn, mark); err != nil {
				return err
			}
			continue
		}

		samples := make([]int16, 0, len(chunk.Audio)/2)
		for i := 0; i+1 < len(chunk.Audio); i += 2 {
			samples = append(samples, int16(uint16(chunk.Audio[i])|uint16(chunk.Audio[i+1])<<8))
		}
		pcm = append(pcm, audio.Resample(samples, h.cfg.TTSSampleRate, h.cfg.SampleRate)...)

		for len(pcm) >= frameSamples {
			if err := h.writeFrame(ctx, conn, pcm[:frameSamples], limiter); err != nil {
				return err
			}
			pcm = pcm[frameSamples:]
		}
	}
}

func (h *MediaHandler) writeFrame(ctx context.Context, conn *websocket.Conn, pcm []int16, limiter *rate.Limiter) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	msg := outboundMessage{
		Event: "media",
		Media: &mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio.EncodeMuLaw(pcm))},
	}
	return h.writeJSON(ctx, conn, msg)
}

func (h *MediaHandler) writeJSON(ctx context.Context, conn *websocket.Conn, msg outboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
