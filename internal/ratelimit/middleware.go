package ratelimit

import (
	"fmt"

	"voice-server/internal/apierrors"
	"voice-server/internal/observability"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware limiting requests per client IP.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		result := s.Check(ctx, c.ClientIP())

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetAt.Unix()))

		if !result.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", result.RetryAfterMs/1000))
			s.logger.Warn(observability.WithFields(ctx,
				observability.Field{Key: "client_ip", Value: c.ClientIP()},
				observability.Field{Key: "limit", Value: result.Limit},
				observability.Field{Key: "retry_after_ms", Value: result.RetryAfterMs},
			), "Rate limit exceeded")
			apierrors.TooManyRequests(c, "Rate limit exceeded, slow down and retry")
			c.Abort()
			return
		}

		c.Next()
	}
}
