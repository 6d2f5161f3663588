package data

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailsift/verifyq/config"
	apperrors "github.com/mailsift/verifyq/internal/errors"
)

const rateLimitKey = "verifyq:ratelimit:verifier_calls"

// acquireScript atomically prunes expired call records, checks the effective
// ceiling, and records the new call when allowed. Returning the oldest
// in-window score on denial lets the caller compute when a slot opens without
// a second round trip.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local retention = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, oldest[2]}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, retention)
return {1, 0}
`)

// RedisRateLimiter enforces the sliding-window call budget for the external
// verifier API across every process sharing the Redis instance. All checks
// fail closed: a Redis error denies the call rather than risking an
// over-limit submission.
type RedisRateLimiter struct {
	client       redis.UniversalClient
	cfg          config.RateLimitConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// RateLimiterOptions configures a RedisRateLimiter.
type RateLimiterOptions struct {
	Client       redis.UniversalClient
	Config       config.RateLimitConfig
	TimeProvider TimeProvider
	Logger       *slog.Logger
}

// NewRedisRateLimiter creates a RedisRateLimiter with the given options.
func NewRedisRateLimiter(opts RateLimiterOptions) (*RedisRateLimiter, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	cfg := opts.Config
	cfg.Sanitize()
	tp := opts.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimiter{
		client:       opts.Client,
		cfg:          cfg,
		timeProvider: tp,
		logger:       logger.With("component", "rate_limiter"),
	}, nil
}

// effectiveLimit is the configured maximum minus the safety buffer.
func (r *RedisRateLimiter) effectiveLimit() int {
	limit := r.cfg.MaxPerWindow - r.cfg.SafetyBuffer
	if limit < 1 {
		limit = 1
	}
	return limit
}

// CanMakeCall reports whether a call would currently be admitted. It does not
// reserve a slot; use Acquire for check-and-record in one step.
func (r *RedisRateLimiter) CanMakeCall(ctx context.Context) (bool, error) {
	now := r.timeProvider.Now()
	windowStart := now.Add(-r.cfg.Window)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rateLimitKey, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli()))
	countCmd := pipe.ZCard(ctx, rateLimitKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, apperrors.Storage("rate limit check", err)
	}
	return countCmd.Val() < int64(r.effectiveLimit()), nil
}

// Acquire atomically checks the window and records the call when admitted.
// On denial it returns the earliest time a slot is expected to open.
func (r *RedisRateLimiter) Acquire(ctx context.Context) (bool, time.Time, error) {
	now := r.timeProvider.Now()
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.NewString())

	res, err := acquireScript.Run(ctx, r.client,
		[]string{rateLimitKey},
		now.UnixMilli(),
		r.cfg.Window.Milliseconds(),
		r.effectiveLimit(),
		member,
		r.cfg.Retention.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, time.Time{}, apperrors.Storage("rate limit acquire", err)
	}
	if len(res) != 2 {
		return false, time.Time{}, apperrors.Storage("rate limit acquire",
			fmt.Errorf("unexpected script reply of length %d", len(res)))
	}
	if res[0] == 1 {
		return true, time.Time{}, nil
	}
	retryAt := time.UnixMilli(res[1]).Add(r.cfg.Window)
	if retryAt.Before(now) {
		retryAt = now
	}
	return false, retryAt, nil
}

// RecordCall records a call without checking the limit. Used when the call
// was already admitted out of band.
func (r *RedisRateLimiter) RecordCall(ctx context.Context) error {
	now := r.timeProvider.Now()
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.NewString())

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, rateLimitKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.PExpire(ctx, rateLimitKey, r.cfg.Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Storage("rate limit record", err)
	}
	return nil
}

// NextAvailableTime returns when the next call slot opens. When the window
// has headroom it returns the current time.
func (r *RedisRateLimiter) NextAvailableTime(ctx context.Context) (time.Time, error) {
	now := r.timeProvider.Now()
	windowStart := now.Add(-r.cfg.Window)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rateLimitKey, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli()))
	countCmd := pipe.ZCard(ctx, rateLimitKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, rateLimitKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return time.Time{}, apperrors.Storage("rate limit next available", err)
	}
	if countCmd.Val() < int64(r.effectiveLimit()) {
		return now, nil
	}
	oldest := oldestCmd.Val()
	if len(oldest) == 0 {
		return now, nil
	}
	return time.UnixMilli(int64(oldest[0].Score)).Add(r.cfg.Window), nil
}

// Prune removes call records older than the retention horizon and returns how
// many were dropped. The reaper calls this so the set never outlives its
// retention even when traffic stops.
func (r *RedisRateLimiter) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.timeProvider.Now().Add(-retention)
	removed, err := r.client.ZRemRangeByScore(ctx, rateLimitKey,
		"-inf", fmt.Sprintf("%d", cutoff.UnixMilli())).Result()
	if err != nil {
		return 0, apperrors.Storage("rate limit prune", err)
	}
	if removed > 0 {
		r.logger.DebugContext(ctx, "pruned rate limit records", "removed", removed)
	}
	return removed, nil
}
