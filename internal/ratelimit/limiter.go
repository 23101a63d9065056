// Package ratelimit enforces the provider's request-per-minute ceiling with
// a sliding window persisted in Postgres. The persisted table is the source
// of truth across worker processes; an optional Redis counter acts as a
// secondary conservative cap, never as the authority.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultMaxRequests keeps a 20-request safety margin under the
	// provider's 200/min ceiling.
	DefaultMaxRequests = 180
	// DefaultWindow is the sliding window size.
	DefaultWindow = time.Minute
)

// Limiter tracks external API calls in a sliding window.
type Limiter struct {
	db          *sql.DB
	redis       *redis.Client
	maxRequests int
	window      time.Duration
	now         func() time.Time

	// Pre-compiled Lua script for the atomic secondary cap.
	capScript *redis.Script
}

// Secondary cap: atomic check-and-increment on a per-minute bucket.
const capLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return 0
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return 1
`

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimits overrides the request ceiling and window size.
func WithLimits(maxRequests int, window time.Duration) Option {
	return func(l *Limiter) {
		if maxRequests > 0 {
			l.maxRequests = maxRequests
		}
		if window > 0 {
			l.window = window
		}
	}
}

// WithRedis attaches the secondary Redis cap. A nil client disables it.
func WithRedis(client *redis.Client) Option {
	return func(l *Limiter) { l.redis = client }
}

// WithClock overrides time.Now in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter on the given database handle.
func New(db *sql.DB, opts ...Option) *Limiter {
	l := &Limiter{
		db:          db,
		maxRequests: DefaultMaxRequests,
		window:      DefaultWindow,
		now:         time.Now,
		capScript:   redis.NewScript(capLuaScript),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxRequests returns the configured ceiling.
func (l *Limiter) MaxRequests() int { return l.maxRequests }

// CanCall reports whether another external call fits in the active window.
func (l *Limiter) CanCall(ctx context.Context) (bool, error) {
	count, err := l.activeCount(ctx)
	if err != nil {
		return false, err
	}
	if count >= l.maxRequests {
		return false, nil
	}
	if l.redis != nil && !l.secondaryAllows(ctx) {
		return false, nil
	}
	return true, nil
}

// Record persists one call record. Callers record BEFORE issuing the
// request so two concurrent check-then-act sequences cannot both slip
// under the ceiling.
func (l *Limiter) Record(ctx context.Context) error {
	now := l.now()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO verifier_rate_limits (window_start, window_end)
		VALUES ($1, $2)
	`, now, now.Add(l.window))
	if err != nil {
		return fmt.Errorf("record rate limit call: %w", err)
	}
	return nil
}

// NextAvailable returns when the next call slot opens. With fewer than
// maxRequests calls in the window it returns now (immediately available);
// otherwise it is the maxRequests-th most recent call time plus the window.
func (l *Limiter) NextAvailable(ctx context.Context) (time.Time, error) {
	now := l.now()
	var nth time.Time
	err := l.db.QueryRowContext(ctx, `
		SELECT window_start FROM verifier_rate_limits
		WHERE window_start >= $1
		ORDER BY window_start DESC
		OFFSET $2 LIMIT 1
	`, now.Add(-l.window), l.maxRequests-1).Scan(&nth)
	if err == sql.ErrNoRows {
		return now, nil
	}
	if err != nil {
		return now, fmt.Errorf("next available: %w", err)
	}
	next := nth.Add(l.window)
	if next.Before(now) {
		return now, nil
	}
	return next, nil
}

// Cleanup deletes records past their window_end. Housekeeping only:
// CanCall never scans expired rows.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM verifier_rate_limits WHERE window_end < $1
	`, l.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limits: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Utilization returns the active-window fill fraction (0..1) for health
// snapshots.
func (l *Limiter) Utilization(ctx context.Context) (float64, error) {
	count, err := l.activeCount(ctx)
	if err != nil {
		return 0, err
	}
	return float64(count) / float64(l.maxRequests), nil
}

func (l *Limiter) activeCount(ctx context.Context) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM verifier_rate_limits WHERE window_start >= $1
	`, l.now().Add(-l.window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count rate limit window: %w", err)
	}
	return count, nil
}

// secondaryAllows runs the Redis cap. On any Redis error it allows the
// call: Postgres is authoritative, Redis is only a conservative extra.
func (l *Limiter) secondaryAllows(ctx context.Context) bool {
	key := fmt.Sprintf("verifier:ratelimit:min:%d", l.now().Unix()/60)
	allowed, err := l.capScript.Run(ctx, l.redis, []string{key}, l.maxRequests, 120).Int()
	if err != nil {
		log.Printf("[RateLimit] secondary cap check error: %v", err)
		return true
	}
	return allowed == 1
}
