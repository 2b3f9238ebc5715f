package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/response"
)

// WindowCounter increments a fixed-window counter and returns the new count.
// *database.RedisClient implements it with SafeIncrWindow.
type WindowCounter interface {
	SafeIncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimiter limits requests per authenticated user (per IP otherwise) in
// fixed windows. While the shared counter is unavailable it counts in
// process memory instead.
type RateLimiter struct {
	counter  WindowCounter
	fallback *InMemoryCounter
	name     string
	requests int
	window   time.Duration
	metrics  *metrics.Metrics
}

// NewRateLimiter creates a limiter allowing requests per window. counter may
// be nil, in which case only the in-memory counter is used.
func NewRateLimiter(counter WindowCounter, name string, requests int, window time.Duration, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		counter:  counter,
		fallback: NewInMemoryCounter(),
		name:     name,
		requests: requests,
		window:   window,
		metrics:  m,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, ok := UserID(c); ok {
			identifier = "user:" + userID.String()
		}

		count, resetAt := rl.hit(c.Request.Context(), identifier)

		remaining := rl.requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > int64(rl.requests) {
			rl.metrics.RecordRateLimitBlocked(c.FullPath())
			retryAfter := int(time.Until(resetAt).Round(time.Second) / time.Second)
			response.TooManyRequests(c, "Rate limit exceeded", retryAfter)
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int64, time.Time) {
	windowStart := time.Now().Truncate(rl.window)
	resetAt := windowStart.Add(rl.window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.name, identifier, windowStart.Unix())

	if rl.counter != nil {
		count, err := rl.counter.SafeIncrWindow(ctx, key, rl.window)
		if err == nil {
			return count, resetAt
		}
		logger.Debug("Rate limit counter unavailable, counting in memory",
			zap.String("limiter", rl.name),
			zap.Error(err))
	}

	count, _ := rl.fallback.SafeIncrWindow(ctx, key, rl.window)
	return count, resetAt
}

// InMemoryCounter is a process-local WindowCounter
type InMemoryCounter struct {
	mu      sync.Mutex
	counts  map[string]*windowCount
	lastGC  time.Time
	nowFunc func() time.Time
}

type windowCount struct {
	count     int64
	expiresAt time.Time
}

// NewInMemoryCounter creates an empty counter
func NewInMemoryCounter() *InMemoryCounter {
	return &InMemoryCounter{
		counts:  make(map[string]*windowCount),
		nowFunc: time.Now,
	}
}

// SafeIncrWindow implements WindowCounter. It never fails.
func (m *InMemoryCounter) SafeIncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if now.Sub(m.lastGC) > window {
		for k, wc := range m.counts {
			if !now.Before(wc.expiresAt) {
				delete(m.counts, k)
			}
		}
		m.lastGC = now
	}

	wc, ok := m.counts[key]
	if !ok || !now.Before(wc.expiresAt) {
		wc = &windowCount{expiresAt: now.Add(window)}
		m.counts[key] = wc
	}
	wc.count++
	return wc.count, nil
}
