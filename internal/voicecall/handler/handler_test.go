package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"voice-server/internal/config"
	"voice-server/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestHandler builds a handler without a processor. The paths exercised
// here never reach it.
func newTestHandler(t *testing.T, mutate func(*config.Config)) *Handler {
	t.Helper()

	cfg := &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:       "handler-test-secret",
			BrowserTokenTTL: time.Hour,
		},
		Server: config.ServerConfig{
			PublicBaseURL: "https://voice.example.com",
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	h := New(nil, cfg, observability.NewLogger())
	return &h
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{
			name:    "no origin header is admitted",
			allowed: []string{"https://app.example.com"},
			origin:  "",
			want:    true,
		},
		{
			name:    "empty allow list admits everyone",
			allowed: nil,
			origin:  "https://anywhere.example.com",
			want:    true,
		},
		{
			name:    "listed origin is admitted",
			allowed: []string{"https://app.example.com"},
			origin:  "https://app.example.com",
			want:    true,
		},
		{
			name:    "origin match ignores case",
			allowed: []string{"https://App.Example.com"},
			origin:  "https://app.example.com",
			want:    true,
		},
		{
			name:    "unlisted origin is rejected",
			allowed: []string{"https://app.example.com"},
			origin:  "https://evil.example.com",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(req))
		})
	}
}

func TestMediaStreamURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{
			name: "https becomes wss",
			base: "https://voice.example.com",
			want: "wss://voice.example.com" + PathTwilioMedia,
		},
		{
			name: "http becomes ws",
			base: "http://localhost:8080",
			want: "ws://localhost:8080" + PathTwilioMedia,
		},
		{
			name: "trailing slash is trimmed",
			base: "https://voice.example.com/",
			want: "wss://voice.example.com" + PathTwilioMedia,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, func(cfg *config.Config) {
				cfg.Server.PublicBaseURL = tt.base
			})
			assert.Equal(t, tt.want, h.mediaStreamURL(PathTwilioMedia))
		})
	}
}

func TestBrowserTokenRoundTrip(t *testing.T) {
	h := newTestHandler(t, nil)

	router := gin.New()
	router.POST(PathBrowserToken, h.HandleBrowserToken)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, PathBrowserToken, nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.True(t, resp.ExpiresAt.After(time.Now()), "token must expire in the future")

	assert.NoError(t, h.validateBrowserToken(resp.Token))
}

func TestValidateBrowserTokenRejects(t *testing.T) {
	h := newTestHandler(t, nil)

	signed := func(secret, scope string, exp time.Time) string {
		t.Helper()
		cl := jwt.New(jwt.SigningMethodHS256)
		claims := cl.Claims.(jwt.MapClaims)
		claims["scope"] = scope
		claims["exp"] = exp.Unix()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return token
	}

	t.Run("garbage token", func(t *testing.T) {
		assert.Error(t, h.validateBrowserToken("not-a-token"))
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signed("some-other-secret", browserTokenScope, time.Now().Add(time.Hour))
		assert.Error(t, h.validateBrowserToken(token))
	})

	t.Run("wrong scope", func(t *testing.T) {
		token := signed("handler-test-secret", "admin:everything", time.Now().Add(time.Hour))
		err := h.validateBrowserToken(token)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not grant media access")
	})

	t.Run("expired", func(t *testing.T) {
		token := signed("handler-test-secret", browserTokenScope, time.Now().Add(-time.Minute))
		err := h.validateBrowserToken(token)
		require.Error(t, err)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})
}

func TestBrowserMediaRejectsMissingToken(t *testing.T) {
	h := newTestHandler(t, nil)

	router := gin.New()
	router.GET(PathBrowserMedia, h.HandleBrowserMedia)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathBrowserMedia, nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTwilioAnswerRequiresCallSID(t *testing.T) {
	h := newTestHandler(t, nil)

	router := gin.New()
	router.POST(PathTwilioAnswer, h.HandleTwilioAnswer)

	req := httptest.NewRequest(http.MethodPost, PathTwilioAnswer, strings.NewReader("From=%2B15550100"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTwilioStatusRequiresFields(t *testing.T) {
	h := newTestHandler(t, nil)

	router := gin.New()
	router.POST(PathTwilioStatus, h.HandleTwilioStatus)

	req := httptest.NewRequest(http.MethodPost, PathTwilioStatus, strings.NewReader("CallSid=CA1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTwilioSignatureDisabledPassesThrough(t *testing.T) {
	h := newTestHandler(t, func(cfg *config.Config) {
		cfg.Twilio = config.TwilioConfig{AuthToken: "token", ValidateSignature: false}
	})

	handled := false
	router := gin.New()
	router.POST("/webhook", h.TwilioSignature(), func(c *gin.Context) {
		handled = true
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", nil))

	assert.True(t, handled)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTwilioSignatureRejectsInvalidSignature(t *testing.T) {
	h := newTestHandler(t, func(cfg *config.Config) {
		cfg.Twilio = config.TwilioConfig{AuthToken: "token", ValidateSignature: true}
	})

	handled := false
	router := gin.New()
	router.POST("/webhook", h.TwilioSignature(), func(c *gin.Context) {
		handled = true
	})

	form := url.Values{"CallSid": {"CA1"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.False(t, handled, "handler must not run behind an invalid signature")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
