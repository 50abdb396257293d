// Package ratex bounds abuse of the handoff endpoints. Limiters are keyed
// by deterministic, secret-free composites (fingerprints of operation name,
// caller IP and, where relevant, session id) so keys can live in shared
// storage without leaking caller data.
package ratex

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/handoff/pkg/cryptox"
)

// ErrRateLimited is returned when a key has exhausted its policy budget.
var ErrRateLimited = errors.New("ratex: rate limited")

// Policy bounds how many hits a single key may make within a window.
type Policy struct {
	MaxHits int
	Window  time.Duration
}

// Limiter enforces a per-key hit budget. Implementations must be safe for
// concurrent use; Enforce consumes one hit and fails with ErrRateLimited
// once the budget for the key is spent.
type Limiter interface {
	Enforce(ctx context.Context, key string, policy Policy) error
}

// Key builds a deterministic bucket key from the operation name and caller
// attributes. The fingerprint keeps IPs and session ids out of limiter
// storage.
func Key(op string, parts ...string) string {
	return op + ":" + cryptox.Fingerprint(append([]string{op}, parts...)...)
}
