package ratelimit

import (
	"context"
	"fmt"
	"time"

	"voice-server/internal/clients/redis"
	"voice-server/internal/observability"

	"github.com/google/uuid"
)

const window = time.Minute

// Result represents the outcome of a rate limit check
type Result struct {
	Allowed      bool      `json:"allowed"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	RetryAfterMs int       `json:"retry_after_ms,omitempty"`
}

// Service rate limits callers using a sliding window over Redis sorted sets.
// Without Redis every check passes, the limiter is advisory.
type Service struct {
	redis  *redis.Client
	limit  int
	logger *observability.Logger
}

// NewService creates a rate limiting service allowing limit requests per minute.
func NewService(redisClient *redis.Client, limit int, logger *observability.Logger) *Service {
	return &Service{
		redis:  redisClient,
		limit:  limit,
		logger: logger,
	}
}

// Check records one request for the caller and reports whether it is within
// the limit. Redis trouble must not lock callers out, so failures allow the
// request through.
func (s *Service) Check(ctx context.Context, caller string) Result {
	now := time.Now()
	if s.redis == nil || !s.redis.IsEnabled() {
		return Result{Allowed: true, Limit: s.limit, Remaining: s.limit, ResetAt: now.Add(window)}
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "rate_limit_caller", Value: caller},
	)

	result, err := s.checkSlidingWindow(ctx, caller, now)
	if err != nil {
		s.logger.WarnWithError(ctx, "Rate limit check failed, allowing request", err)
		return Result{Allowed: true, Limit: s.limit, Remaining: s.limit, ResetAt: now.Add(window)}
	}
	return result
}

// checkSlidingWindow implements sliding window rate limiting with Redis
// sorted sets. Key: rl:{caller}, score: request timestamp in milliseconds.
func (s *Service) checkSlidingWindow(ctx context.Context, caller string, now time.Time) (Result, error) {
	key := fmt.Sprintf("rl:%s", caller)
	nowMs := now.UnixMilli()
	windowStartMs := now.Add(-window).UnixMilli()

	// Remove entries that have slid out of the window
	err := s.redis.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStartMs))
	if err != nil {
		return Result{}, fmt.Errorf("failed to remove old entries: %w", err)
	}

	count, err := s.redis.ZCard(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("failed to count requests: %w", err)
	}

	if int(count) >= s.limit {
		// The oldest request in the window decides when capacity frees up
		oldest, err := s.redis.ZRangeWithScores(ctx, key, 0, 0)
		if err != nil || len(oldest) == 0 {
			return Result{
				Allowed:      false,
				Limit:        s.limit,
				Remaining:    0,
				ResetAt:      now.Add(window),
				RetryAfterMs: int(window.Milliseconds()),
			}, nil
		}

		resetAt := time.UnixMilli(int64(oldest[0].Score)).Add(window)
		retryAfter := resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}

		return Result{
			Allowed:      false,
			Limit:        s.limit,
			Remaining:    0,
			ResetAt:      resetAt,
			RetryAfterMs: int(retryAfter.Milliseconds()),
		}, nil
	}

	// Member carries a random suffix so requests in the same millisecond
	// still count separately.
	err = s.redis.ZAdd(ctx, key, redis.Z{
		Score:  float64(nowMs),
		Member: fmt.Sprintf("%d:%s", nowMs, uuid.NewString()[:8]),
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to add request: %w", err)
	}

	if err := s.redis.Expire(ctx, key, 2*window); err != nil {
		s.logger.WarnWithError(ctx, "Failed to set expiration on rate limit key", err)
	}

	return Result{
		Allowed:   true,
		Limit:     s.limit,
		Remaining: s.limit - int(count) - 1,
		ResetAt:   now.Add(window),
	}, nil
}
