package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/meshsync/meshsync/pkg/errors"
)

func newTestLimiter(t *testing.T, cfg Config) (*SessionLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSessionLimiter(cfg, client, nil), mr
}

func TestCheckLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects oversized content", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, Config{MaxContentBytes: 100})
		err := limiter.CheckLimits(ctx, "session-1", 101)
		require.Error(t, err)
		assert.True(t, engerrors.IsValidation(err))
	})

	t.Run("allows content at the boundary", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, Config{MaxContentBytes: 100})
		assert.NoError(t, limiter.CheckLimits(ctx, "session-1", 100))
	})

	t.Run("exhausts the local bucket", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, Config{OperationsPerSecond: 1, Burst: 2})
		require.NoError(t, limiter.CheckLimits(ctx, "session-2", 1))
		require.NoError(t, limiter.CheckLimits(ctx, "session-2", 1))
		err := limiter.CheckLimits(ctx, "session-2", 1)
		require.Error(t, err)
		assert.True(t, engerrors.IsValidation(err))
	})

	t.Run("buckets are per session", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, Config{OperationsPerSecond: 1, Burst: 1})
		require.NoError(t, limiter.CheckLimits(ctx, "session-a", 1))
		assert.NoError(t, limiter.CheckLimits(ctx, "session-b", 1))
	})
}

func TestOperationCount(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, Config{})

	n, err := limiter.OperationCount(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	limiter.RecordOperation(ctx, "session-1")
	limiter.RecordOperation(ctx, "session-1")

	n, err = limiter.OperationCount(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("first resolver claims, second is refused", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, Config{HeartbeatTTL: time.Minute})

		ok, err := limiter.Heartbeat(ctx, "conflict-1", "resolver-a")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = limiter.Heartbeat(ctx, "conflict-1", "resolver-b")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("holder renews its own claim", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, Config{HeartbeatTTL: time.Minute})

		ok, err := limiter.Heartbeat(ctx, "conflict-2", "resolver-a")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = limiter.Heartbeat(ctx, "conflict-2", "resolver-a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("claim expires after the TTL", func(t *testing.T) {
		limiter, mr := newTestLimiter(t, Config{HeartbeatTTL: time.Minute})

		ok, err := limiter.Heartbeat(ctx, "conflict-3", "resolver-a")
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Minute)

		ok, err = limiter.Heartbeat(ctx, "conflict-3", "resolver-b")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("complete releases the claim", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, Config{HeartbeatTTL: time.Minute})

		ok, err := limiter.Heartbeat(ctx, "conflict-4", "resolver-a")
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, limiter.CompleteOperation(ctx, "conflict-4"))

		ok, err = limiter.Heartbeat(ctx, "conflict-4", "resolver-b")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
