package api

import (
	"net/http"

	"voice-server/internal/assist"
	"voice-server/internal/ratelimit"
	voiceHandler "voice-server/internal/voicecall/handler"

	"github.com/gin-gonic/gin"
)

type API struct {
	router        *gin.RouterGroup
	voiceHandler  voiceHandler.Handler
	assistHandler *assist.Handler
	limiter       *ratelimit.Service
}

func New(router *gin.RouterGroup, voiceHandler voiceHandler.Handler, assistHandler *assist.Handler,
	limiter *ratelimit.Service) API {
	return API{
		router:        router,
		voiceHandler:  voiceHandler,
		assistHandler: assistHandler,
		limiter:       limiter,
	}
}

func (a *API) RegisterRoutes() {
	a.Health()

	// Webhook posts carry a Twilio signature, media sockets authenticate
	// during their own handshake.
	webhookGroup := a.router.Group("", a.voiceHandler.TwilioSignature())
	{
		webhookGroup.POST(voiceHandler.PathTwilioAnswer, a.voiceHandler.HandleTwilioAnswer)
		webhookGroup.POST(voiceHandler.PathTwilioStatus, a.voiceHandler.HandleTwilioStatus)
	}
	a.router.GET(voiceHandler.PathTwilioMedia, a.voiceHandler.HandleTwilioMedia)

	a.router.POST(voiceHandler.PathBrowserToken, a.limiter.Middleware(), a.voiceHandler.HandleBrowserToken)
	a.router.GET(voiceHandler.PathBrowserMedia, a.voiceHandler.HandleBrowserMedia)

	a.router.GET(voiceHandler.PathListCalls, a.voiceHandler.HandleListCalls)

	a.router.POST("/api/assist/chat", a.assistHandler.HandleChat)
}

func (a *API) Health() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
}
