package ratex

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local is an in-process token-bucket limiter. Suitable for single-instance
// deployments; multi-instance deployments should share budgets through the
// Redis limiter instead.
type Local struct {
	limiters sync.Map // key -> *rate.Limiter

	mu          sync.Mutex
	lastCleanup time.Time
}

// NewLocal creates an in-process limiter.
func NewLocal() *Local {
	return &Local{lastCleanup: time.Now()}
}

// Enforce consumes one hit for key, creating the key's bucket on first use.
func (l *Local) Enforce(_ context.Context, key string, policy Policy) error {
	if policy.MaxHits <= 0 || policy.Window <= 0 {
		return nil
	}

	limiter := l.getLimiter(key, policy)
	if !limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

func (l *Local) getLimiter(key string, policy Policy) *rate.Limiter {
	if limiter, ok := l.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	perSecond := float64(policy.MaxHits) / policy.Window.Seconds()
	limiter := rate.NewLimiter(rate.Limit(perSecond), policy.MaxHits)
	actual, _ := l.limiters.LoadOrStore(key, limiter)

	l.maybeCleanup()

	return actual.(*rate.Limiter)
}

// maybeCleanup drops buckets that have refilled completely, which means the
// key has been idle for at least a full window. Keeps ephemeral keys (one
// poll client per session) from accumulating forever.
func (l *Local) maybeCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) < 5*time.Minute {
		return
	}
	l.lastCleanup = time.Now()

	l.limiters.Range(func(key, value any) bool {
		limiter := value.(*rate.Limiter)
		if limiter.Tokens() >= float64(limiter.Burst()) {
			l.limiters.Delete(key)
		}
		return true
	})
}
