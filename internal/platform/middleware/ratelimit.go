package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig limits how often one client may hit the guarded routes.
// Skip, when set, exempts a request from limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64
	Burst             int
	Skip              func(c echo.Context) bool
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

type limiter struct {
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		rate:    cfg.RequestsPerMinute / 60,
		burst:   float64(cfg.Burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// take spends one token for key. When none is left it returns the wait in
// whole seconds until one will be.
func (l *limiter) take(key string) (ok bool, wait int) {
	l.mu.Lock()
	b, found := l.buckets[key]
	if !found {
		b = &bucket{tokens: l.burst, last: l.now()}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	now := l.now()
	b.tokens += now.Sub(b.last).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, 60
	}
	return false, int(math.Ceil((1 - b.tokens) / l.rate))
}

// RateLimit keys token buckets by client IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	l := newLimiter(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skip != nil && cfg.Skip(c) {
				return next(c)
			}
			if ok, wait := l.take(c.RealIP()); !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(wait))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// OnlyUploads is a Skip func that limits POSTs to path and nothing else.
func OnlyUploads(path string) func(echo.Context) bool {
	return func(c echo.Context) bool {
		return c.Request().Method != http.MethodPost || c.Path() != path
	}
}
