package security

import (
	"net/http"

	"golang.org/x/time/rate"

	proxyerrors "github.com/vijaygopalbalasa/AgentKernel-sub005/internal/errors"
)

// GlobalRateLimiter enforces a proxy-wide request rate limit using a token
// bucket. It guards the proxy itself; per-agent budgets live in ratelimit.
type GlobalRateLimiter struct {
	limiter *rate.Limiter
}

// NewGlobalRateLimiter creates a global rate limiter.
// rpm is requests per minute; internally converted to per-second.
func NewGlobalRateLimiter(rpm int) *GlobalRateLimiter {
	perSecond := float64(rpm) / 60.0
	burst := rpm / 60
	if burst < 1 {
		burst = 1
	}
	return &GlobalRateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Allow reports whether one more request fits. Non-HTTP transports call it
// directly.
func (g *GlobalRateLimiter) Allow() bool {
	return g.limiter.Allow()
}

// Process returns an http.Handler that enforces the global rate limit.
func (g *GlobalRateLimiter) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.limiter.Allow() {
			proxyerrors.WriteHTTPError(w, proxyerrors.ErrOverloaded)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Name returns the middleware name for logging and debugging.
func (g *GlobalRateLimiter) Name() string {
	return "global_rate_limiter"
}
