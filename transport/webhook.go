package transport

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/voicebridge/artifacts"
)

// WebhookConfig configures the inbound-call webhook.
type WebhookConfig struct {
	// PublicHost is the externally reachable host (domain or tunnel),
	// with or without scheme.
	PublicHost string `yaml:"public_host" json:"public_host"`
	// MediaPath is the WebSocket route the carrier streams audio to.
	MediaPath string `yaml:"media_path" json:"media_path"`
	// Greeting is spoken while the stream connects.
	Greeting string `yaml:"greeting" json:"greeting"`
}

// DefaultWebhookConfig returns webhook defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MediaPath: "/media",
		Greeting:  "Connecting you to the assistant, one moment please.",
	}
}

// IncomingCallHandler answers the carrier's call webhook with TwiML
// that starts a media stream towards this server.
type IncomingCallHandler struct {
	cfg    WebhookConfig
	logger *zap.Logger
	// entropy for minting call ids when the carrier omits one
	entropy io.Reader
}

// NewIncomingCallHandler creates the webhook handler.
func NewIncomingCallHandler(cfg WebhookConfig, logger *zap.Logger) *IncomingCallHandler {
	if cfg.MediaPath == "" {
		cfg.MediaPath = "/media"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IncomingCallHandler{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "webhook")),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Start   *twimlStart  `xml:"Start,omitempty"`
	Say     string       `xml:"Say,omitempty"`
}

type twimlStart struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// ServeHTTP answers the voice webhook.
func (h *IncomingCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if h.cfg.PublicHost == "" {
		h.logger.Error("public host not configured")
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<Response><Say>Server not configured.</Say></Response>`)
		return
	}

	callSid := r.PostFormValue("CallSid")
	if callSid == "" {
		callSid = ulid.MustNew(ulid.Timestamp(time.Now()), h.entropy).String()
		h.logger.Warn("carrier sent no CallSid, minted one", zap.String("call_id", callSid))
	}

	host := strings.TrimPrefix(strings.TrimPrefix(h.cfg.PublicHost, "https://"), "http://")
	wsURL := fmt.Sprintf("wss://%s%s/%s", host, strings.TrimRight(h.cfg.MediaPath, "/"), callSid)

	resp := twimlResponse{
		Start: &twimlStart{Stream: twimlStream{URL: wsURL}},
		Say:   h.cfg.Greeting,
	}
	out, err := xml.Marshal(resp)
	if err != nil {
		http.Error(w, "twiml encoding failed", http.StatusInternalServerError)
		return
	}

	h.logger.Info("incoming call", zap.String("call_id", callSid))
	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(xml.Header))
	w.Write(out)
}

// HealthHandler reports liveness.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// AudioFileHandler serves stored turn audio at /audiofile/{name}.
type AudioFileHandler struct {
	Store  *artifacts.FileStore
	Logger *zap.Logger
}

// ServeHTTP streams one stored audio file.
func (h *AudioFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := path.Base(r.URL.Path)
	f, err := h.Store.Open(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "audio/wav")
	if _, err := io.Copy(w, f); err != nil && h.Logger != nil {
		h.Logger.Debug("audio file send aborted", zap.Error(err))
	}
}
