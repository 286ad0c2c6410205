package api

import (
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/apphub-core/platform/internal/apherr"
)

type perCallerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newPerCallerLimiter(rps float64, burst int) *perCallerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &perCallerLimiter{limiters: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (rl *perCallerLimiter) forCaller(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// middleware rejects requests over the caller's budget with apherr.KindUnavailable, a
// retryable kind, so well-behaved clients back off rather than receiving a terminal error.
func (rl *perCallerLimiter) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := callerUser(c)
			if key == "" {
				key = c.RealIP()
			}
			if !rl.forCaller(key).Allow() {
				return writeError(c, apherr.New(apherr.KindUnavailable, "rate limit exceeded, retry with backoff"))
			}
			return next(c)
		}
	}
}
