// Package ratelimit guards the engine against runaway collaborative
// sessions. An in-process token bucket gives cheap local backpressure;
// redis counters coordinate limits across engine replicas and track
// which resolver currently holds a conflict via heartbeat keys.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	engerrors "github.com/meshsync/meshsync/pkg/errors"
	"github.com/meshsync/meshsync/pkg/observability"
)

// Config tunes session limits.
type Config struct {
	// OperationsPerSecond caps the per-session operation rate.
	OperationsPerSecond float64 `mapstructure:"operations_per_second"`
	// Burst is the token bucket depth.
	Burst int `mapstructure:"burst"`
	// MaxContentBytes rejects content bodies beyond this size.
	MaxContentBytes int `mapstructure:"max_content_bytes"`
	// HeartbeatTTL is how long a resolver claim stays alive without
	// renewal.
	HeartbeatTTL time.Duration `mapstructure:"heartbeat_ttl"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		OperationsPerSecond: 50,
		Burst:               100,
		MaxContentBytes:     8 << 20,
		HeartbeatTTL:        30 * time.Second,
	}
}

// SessionLimiter enforces per-session operation rates and content size
// bounds. When a redis client is provided the counters are shared across
// replicas; otherwise only the local bucket applies.
type SessionLimiter struct {
	cfg    Config
	redis  redis.UniversalClient
	logger observability.Logger

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewSessionLimiter creates a limiter. client may be nil for
// single-replica deployments.
func NewSessionLimiter(cfg Config, client redis.UniversalClient, logger observability.Logger) *SessionLimiter {
	if cfg.OperationsPerSecond <= 0 {
		cfg.OperationsPerSecond = DefaultConfig().OperationsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultConfig().MaxContentBytes
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = DefaultConfig().HeartbeatTTL
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SessionLimiter{
		cfg:     cfg,
		redis:   client,
		logger:  logger.WithPrefix("ratelimit"),
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *SessionLimiter) bucket(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[sessionID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.OperationsPerSecond), l.cfg.Burst)
		l.buckets[sessionID] = b
	}
	return b
}

// CheckLimits verifies a session may submit one more operation of the
// given content size. Returns a validation error when a limit is hit.
func (l *SessionLimiter) CheckLimits(ctx context.Context, sessionID string, contentBytes int) error {
	if contentBytes > l.cfg.MaxContentBytes {
		return engerrors.NewValidation(fmt.Sprintf(
			"content size %d exceeds limit %d", contentBytes, l.cfg.MaxContentBytes))
	}
	if !l.bucket(sessionID).Allow() {
		l.logger.Warn("session rate limited", map[string]interface{}{"session_id": sessionID})
		return engerrors.NewValidation("session operation rate exceeded")
	}
	if l.redis == nil {
		return nil
	}
	key := "meshsync:ops:" + sessionID
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Redis being down degrades to local-only limiting.
		l.logger.Warn("distributed counter unavailable", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if count == 1 {
		l.redis.Expire(ctx, key, time.Second)
	}
	if float64(count) > l.cfg.OperationsPerSecond*2 {
		return engerrors.NewValidation("session operation rate exceeded across replicas")
	}
	return nil
}

// RecordOperation bumps the long-lived per-session operation total used
// for session metrics.
func (l *SessionLimiter) RecordOperation(ctx context.Context, sessionID string) {
	if l.redis == nil {
		return
	}
	if err := l.redis.Incr(ctx, "meshsync:session_total:"+sessionID).Err(); err != nil {
		l.logger.Warn("failed to record session operation", map[string]interface{}{"error": err.Error()})
	}
}

// OperationCount returns the recorded long-lived operation total for a
// session, zero when redis is absent.
func (l *SessionLimiter) OperationCount(ctx context.Context, sessionID string) (int64, error) {
	if l.redis == nil {
		return 0, nil
	}
	n, err := l.redis.Get(ctx, "meshsync:session_total:"+sessionID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read session operation count")
	}
	return n, nil
}

// Heartbeat records that resolverID is actively working conflictID. The
// key expires after HeartbeatTTL so crashed resolvers release their
// claim without operator action. Returns false when another live
// resolver already holds the conflict.
func (l *SessionLimiter) Heartbeat(ctx context.Context, conflictID, resolverID string) (bool, error) {
	if l.redis == nil {
		return true, nil
	}
	key := "meshsync:resolver:" + conflictID
	ok, err := l.redis.SetNX(ctx, key, resolverID, l.cfg.HeartbeatTTL).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to set resolver heartbeat")
	}
	if ok {
		return true, nil
	}
	holder, err := l.redis.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return false, errors.Wrap(err, "failed to read resolver heartbeat")
	}
	if holder == resolverID {
		// Renew our own claim.
		if err := l.redis.Expire(ctx, key, l.cfg.HeartbeatTTL).Err(); err != nil {
			return false, errors.Wrap(err, "failed to renew resolver heartbeat")
		}
		return true, nil
	}
	return false, nil
}

// CompleteOperation releases the resolver claim for a conflict.
func (l *SessionLimiter) CompleteOperation(ctx context.Context, conflictID string) error {
	if l.redis == nil {
		return nil
	}
	if err := l.redis.Del(ctx, "meshsync:resolver:"+conflictID).Err(); err != nil {
		return errors.Wrap(err, "failed to release resolver claim")
	}
	return nil
}
