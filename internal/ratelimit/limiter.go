// Package ratelimit implements a sliding-window request limiter on Redis
// sorted sets. Each (identity, path) pair owns one ZSET whose members are
// individual requests scored by arrival time; a check trims entries older
// than the window, counts the survivors, and records the new request only
// when the count is below the limit, so denied traffic cannot extend the
// window against itself.
//
// The limiter is protective, not authoritative: when Redis is unreachable
// the check fails open, admitting the request after a structured warning.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KeyPrefix namespaces limiter state in the shared Redis keyspace.
const KeyPrefix = "rate_limit:"

// expiryGrace keeps a window's ZSET alive slightly past the window itself
// so Remaining can still observe a just-closed window.
const expiryGrace = 60 * time.Second

// Result is the outcome of one admission check.
type Result struct {
	Allowed      bool
	Limit        int
	Remaining    int
	CurrentUsage int
	ResetAt      time.Time
	// RetryAfter is the wait, in seconds, until the oldest recorded request
	// leaves the window. Zero unless the check was denied.
	RetryAfter int
}

// Limiter checks request admission against per-key sliding windows.
type Limiter struct {
	rdb *redis.Client
	log zerolog.Logger
	now func() time.Time
}

// NewLimiter builds a Limiter on the shared Redis client.
func NewLimiter(rdb *redis.Client, log zerolog.Logger) *Limiter {
	return &Limiter{
		rdb: rdb,
		log: log.With().Str("subsystem", "ratelimit").Logger(),
		now: time.Now,
	}
}

// Key builds the canonical limiter key for an identity and endpoint class.
func Key(identity, endpoint string) string {
	return KeyPrefix + identity + ":" + endpoint
}

// Check admits or denies one request under key with the given limit and
// window. An admitted request is recorded; a denied one is not. Any store
// failure admits the request.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) Result {
	now := l.now()
	res := Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: maxInt(0, limit-1),
		ResetAt:   now.Add(window),
	}
	if l == nil || l.rdb == nil {
		return res
	}

	windowStart := scoreAt(now.Add(-window))

	var count *redis.IntCmd
	_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", formatScore(windowStart))
		count = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("store unavailable, admitting request")
		return res
	}

	used := int(count.Val())
	if used >= limit {
		res.Allowed = false
		res.Remaining = 0
		res.CurrentUsage = used
		res.RetryAfter = l.retryAfter(ctx, key, now, window)
		return res
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
	_, err = l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: scoreAt(now), Member: member})
		pipe.Expire(ctx, key, window+expiryGrace)
		return nil
	})
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("store unavailable, admitting request")
		return res
	}

	res.CurrentUsage = used + 1
	res.Remaining = maxInt(0, limit-used-1)
	return res
}

// retryAfter computes the seconds until the oldest surviving request falls
// out of the window. Falls back to the full window when the set is
// unreadable or empty.
func (l *Limiter) retryAfter(ctx context.Context, key string, now time.Time, window time.Duration) int {
	oldest, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return int(window / time.Second)
	}
	expiresInMs := oldest[0].Score + float64(window.Milliseconds()) - scoreAt(now)
	if expiresInMs <= 0 {
		return 1
	}
	return int(math.Ceil(expiresInMs / 1000))
}

// Remaining reports how many requests key can still make in the current
// window without recording one.
func (l *Limiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	now := l.now()
	windowStart := scoreAt(now.Add(-window))

	var count *redis.IntCmd
	_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", formatScore(windowStart))
		count = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("inspect window %s: %w", key, err)
	}
	return maxInt(0, limit-int(count.Val())), nil
}

// Reset clears the window for key, restoring its full budget.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset window %s: %w", key, err)
	}
	return nil
}

// scoreAt maps an instant to a ZSET score in unix milliseconds. Millisecond
// integers stay exact in a float64 score, so window arithmetic never drifts.
func scoreAt(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func formatScore(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
