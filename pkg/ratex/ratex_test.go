package ratex

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKeyIsDeterministicAndSecretFree(t *testing.T) {
	t.Parallel()

	a := Key("exchange", "203.0.113.7", "01J5W8QZK3")
	b := Key("exchange", "203.0.113.7", "01J5W8QZK3")
	require.Equal(t, a, b)

	require.NotEqual(t, a, Key("exchange", "203.0.113.8", "01J5W8QZK3"))
	require.NotEqual(t, a, Key("create", "203.0.113.7", "01J5W8QZK3"))
	require.NotContains(t, a, "203.0.113.7")
}

func TestLocalEnforce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	limiter := NewLocal()
	policy := Policy{MaxHits: 3, Window: time.Minute}

	t.Run("allows up to the budget then trips", func(t *testing.T) {
		for range 3 {
			require.NoError(t, limiter.Enforce(ctx, "key-a", policy))
		}
		require.ErrorIs(t, limiter.Enforce(ctx, "key-a", policy), ErrRateLimited)
	})

	t.Run("keys are independent", func(t *testing.T) {
		require.NoError(t, limiter.Enforce(ctx, "key-b", policy))
	})

	t.Run("zero policy disables limiting", func(t *testing.T) {
		for range 100 {
			require.NoError(t, limiter.Enforce(ctx, "key-c", Policy{}))
		}
	})
}

func TestRedisEnforce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRedis(client, "test:rl")
	policy := Policy{MaxHits: 2, Window: 30 * time.Second}

	require.NoError(t, limiter.Enforce(ctx, "key-a", policy))
	require.NoError(t, limiter.Enforce(ctx, "key-a", policy))
	require.ErrorIs(t, limiter.Enforce(ctx, "key-a", policy), ErrRateLimited)

	// Budget resets once the fixed window lapses.
	mr.FastForward(31 * time.Second)
	require.NoError(t, limiter.Enforce(ctx, "key-a", policy))
}
