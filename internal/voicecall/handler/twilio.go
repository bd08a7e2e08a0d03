package handler

import (
	"net/http"
	"strings"

	"voice-server/internal/apierrors"
	"voice-server/internal/voicecall/processor"
	"voice-server/internal/voicecall/twilio"

	"github.com/gin-gonic/gin"
	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

// Route paths shared between registration and TwiML generation.
const (
	PathTwilioAnswer = "/api/voice/twilio/answer"
	PathTwilioStatus = "/api/voice/twilio/status"
	PathTwilioMedia  = "/api/voice/twilio/media"
	PathBrowserToken = "/api/voice/browser/token"
	PathBrowserMedia = "/api/voice/browser/media"
	PathListCalls    = "/api/voice/calls"
)

// HandleTwilioAnswer serves the TwiML that connects an inbound call to the
// media stream WebSocket.
func (h *Handler) HandleTwilioAnswer(c *gin.Context) {
	ctx := c.Request.Context()
	callSID := c.PostForm("CallSid")
	caller := c.PostForm("From")
	if callSID == "" {
		apierrors.BadRequest(c, "MISSING_CALL_SID", "CallSid is required")
		return
	}

	if err := h.processor.RegisterInboundCall(ctx, callSID, caller); err != nil {
		// TwiML must still be served, the media socket records the call
		// again on stream start.
		h.logger.WarnWithError(ctx, "Failed to record inbound call", err)
	}

	say := &twiml.VoiceSay{
		Message: "Connecting you to our assistant now.",
	}
	stream := twiml.VoiceStream{
		Name: "voice-bridge",
		Url:  h.mediaStreamURL(PathTwilioMedia),
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	twimlResult, err := twiml.Voice([]twiml.Element{say, connect})
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}
	c.Header("Content-Type", "text/xml")
	c.String(http.StatusOK, twimlResult)
}

// HandleTwilioStatus turns status callbacks into call lifecycle events.
func (h *Handler) HandleTwilioStatus(c *gin.Context) {
	callSID := c.PostForm("CallSid")
	status := c.PostForm("CallStatus")
	if callSID == "" || status == "" {
		apierrors.BadRequest(c, "MISSING_FIELDS", "CallSid and CallStatus are required")
		return
	}

	if err := h.processor.HandleStatusCallback(c.Request.Context(), callSID, status); err != nil {
		apierrors.InternalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleTwilioMedia upgrades the media stream connection and runs the call.
// It blocks until the call terminates.
func (h *Handler) HandleTwilioMedia(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error(ctx, "WebSocket upgrade failed", err)
		return
	}

	h.logger.Info(ctx, "Twilio media stream connected")
	sess := twilio.NewSession(conn, twilio.Config{
		QueueSize:     h.voice.FrameBuffer,
		AcceptTimeout: h.voice.AcceptTimeout,
		Logger:        h.logger,
	})
	if err := h.processor.RunCall(ctx, sess, processor.TransportTwilio); err != nil {
		h.logger.InfoWithError(ctx, "Call ended with error", err)
	}
}

// TwilioSignature validates the X-Twilio-Signature header on webhook posts.
// Validation can be switched off for local development.
func (h *Handler) TwilioSignature() gin.HandlerFunc {
	validator := twilioclient.NewRequestValidator(h.twilio.AuthToken)
	return func(c *gin.Context) {
		if !h.twilio.ValidateSignature {
			c.Next()
			return
		}

		if err := c.Request.ParseForm(); err != nil {
			apierrors.BadRequest(c, "MALFORMED_BODY", "Could not parse webhook body")
			c.Abort()
			return
		}
		params := make(map[string]string, len(c.Request.PostForm))
		for key, values := range c.Request.PostForm {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		// Twilio signs the public URL it posted to, not the local one.
		url := strings.TrimSuffix(h.server.PublicBaseURL, "/") + c.Request.URL.RequestURI()
		if !validator.Validate(url, params, c.GetHeader("X-Twilio-Signature")) {
			h.logger.Warn(c.Request.Context(), "Rejected webhook with an invalid signature")
			apierrors.Unauthorized(c, "Invalid webhook signature")
			c.Abort()
			return
		}
		c.Next()
	}
}

// mediaStreamURL derives the externally reachable WebSocket URL for a path.
func (h *Handler) mediaStreamURL(path string) string {
	base := strings.TrimSuffix(h.server.PublicBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}
