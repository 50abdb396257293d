package httpx

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aussiebroadwan/handoff/pkg/ratex"
	"github.com/aussiebroadwan/handoff/pkg/slogx"
)

// RateLimitByIP returns middleware enforcing the policy per client IP for
// the named operation. This is the transport-level backstop; the service
// layer applies its own finer-grained limits (per IP + session) on create
// and exchange.
func RateLimitByIP(limiter ratex.Limiter, op string, policy ratex.Policy) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			key := ratex.Key(op, IPFromRequest(r))
			if err := limiter.Enforce(ctx, key, policy); err != nil {
				if errors.Is(err, ratex.ErrRateLimited) {
					w.Header().Set("Retry-After", fmt.Sprintf("%d", int(policy.Window.Seconds())))
					slogx.FromContext(ctx).Warn("rate limit exceeded",
						"op", op,
						"endpoint", r.URL.Path,
					)
					WriteJSON(w, http.StatusTooManyRequests, map[string]string{
						"error":             "rate_limit_exceeded",
						"error_description": "Too many requests. Please try again later.",
					})
					return
				}

				// Limiter backend failure (e.g. redis down): fail open.
				slogx.FromContext(ctx).Error("rate limiter unavailable", "op", op, "error", err)
			}

			next.ServeHTTP(w, r)
		})
	}
}
