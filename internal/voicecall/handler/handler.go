package handler

import (
	"net/http"
	"strings"

	"voice-server/internal/config"
	"voice-server/internal/observability"
	"voice-server/internal/voicecall/processor"

	"github.com/gorilla/websocket"
)

// Handler exposes the voice call HTTP surface: the Twilio webhooks, the two
// media WebSockets and the browser token endpoint.
type Handler struct {
	processor *processor.Processor
	auth      config.AuthConfig
	twilio    config.TwilioConfig
	server    config.ServerConfig
	voice     config.VoiceConfig
	upgrader  websocket.Upgrader
	logger    *observability.Logger
}

func New(p *processor.Processor, cfg *config.Config, logger *observability.Logger) Handler {
	return Handler{
		processor: p,
		auth:      cfg.Auth,
		twilio:    cfg.Twilio,
		server:    cfg.Server,
		voice:     cfg.Voice,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.Server.AllowedOrigins),
		},
		logger: logger,
	}
}

// originChecker admits non-browser clients, which send no Origin header the
// way Twilio's media stream connector does, and browsers from the allowed
// origins. An empty allow list admits every origin.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}
