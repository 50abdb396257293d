package ratex

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter backed by Redis counters, letting multiple
// service instances share one budget per key. Counter semantics: INCR per
// hit, TTL set on the first hit in the window.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a shared limiter on the given client. prefix namespaces
// the counter keys (e.g. "handoff:rl").
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratex"
	}
	return &Redis{client: client, prefix: prefix}
}

// Enforce consumes one hit for key within the policy's fixed window.
func (r *Redis) Enforce(ctx context.Context, key string, policy Policy) error {
	if policy.MaxHits <= 0 || policy.Window <= 0 {
		return nil
	}

	counterKey := r.prefix + ":" + key

	count, err := r.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return fmt.Errorf("ratex: redis incr: %w", err)
	}

	// Fixed-window semantics: the TTL starts with the first hit.
	if count == 1 {
		if err := r.client.Expire(ctx, counterKey, policy.Window).Err(); err != nil {
			return fmt.Errorf("ratex: redis expire: %w", err)
		}
	}

	if count > int64(policy.MaxHits) {
		return ErrRateLimited
	}
	return nil
}
