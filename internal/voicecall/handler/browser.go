package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"voice-server/internal/apierrors"
	"voice-server/internal/voicecall/browser"
	"voice-server/internal/voicecall/processor"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	browserTokenScope = "voice:media"
	tokenIssuer       = "voice-server"
)

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleBrowserToken mints a short-lived token granting one browser client
// access to the media WebSocket.
func (h *Handler) HandleBrowserToken(c *gin.Context) {
	ctx := c.Request.Context()
	expiresAt := time.Now().Add(h.auth.BrowserTokenTTL)

	cl := jwt.New(jwt.SigningMethodHS256)
	claims := cl.Claims.(jwt.MapClaims)
	claims["jti"] = uuid.NewString()
	claims["iss"] = tokenIssuer
	claims["aud"] = tokenIssuer
	claims["scope"] = browserTokenScope
	claims["iat"] = time.Now().Unix()
	claims["exp"] = expiresAt.Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.auth.JWTSecret))
	if err != nil {
		h.logger.Error(ctx, "Failed to sign browser token", err)
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, tokenResponse{Token: signed, ExpiresAt: expiresAt})
}

// HandleBrowserMedia upgrades an authorized browser connection and runs the
// call on it. It blocks until the call terminates.
func (h *Handler) HandleBrowserMedia(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.validateBrowserToken(c.Query("token")); err != nil {
		h.logger.InfoWithError(ctx, "Rejected browser media connection", err)
		apierrors.Unauthorized(c, "A valid media token is required")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error(ctx, "WebSocket upgrade failed", err)
		return
	}

	h.logger.Info(ctx, "Browser media session connected")
	sess := browser.NewSession(conn, browser.Config{
		QueueSize:     h.voice.FrameBuffer,
		AcceptTimeout: h.voice.AcceptTimeout,
		Logger:        h.logger,
	})
	if err := h.processor.RunCall(ctx, sess, processor.TransportBrowser); err != nil {
		h.logger.InfoWithError(ctx, "Call ended with error", err)
	}
}

// validateBrowserToken checks the signature, expiry and scope of a media
// token.
func (h *Handler) validateBrowserToken(tokenString string) error {
	t, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.auth.JWTSecret), nil
	})
	if err != nil {
		return err
	}
	if !t.Valid {
		return errors.New("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("unexpected claims shape")
	}
	if scope, _ := claims["scope"].(string); scope != browserTokenScope {
		return fmt.Errorf("token scope %q does not grant media access", scope)
	}
	return nil
}
