// Package governor bounds the worker pool: at most Concurrency jobs execute
// at once, and at most RateLimitMax jobs start per RateLimitDuration window.
//
// The rate limit is a fixed window: sends are counted against a Redis key
// bucketed by window index, checked and incremented atomically by a Lua
// script so concurrent workers cannot race past the ceiling. Provider
// throughput ceilings are a correctness concern — exceeding them gets the
// sending account throttled or blacklisted.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
)

// Config holds the live-adjustable limits.
type Config struct {
	// Concurrency is the maximum number of jobs in flight at once.
	Concurrency int

	// RateLimitMax is the maximum number of job starts per window.
	// Zero disables rate limiting (concurrency still applies).
	RateLimitMax int

	// RateLimitDuration is the fixed window length.
	RateLimitDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.RateLimitDuration <= 0 {
		c.RateLimitDuration = time.Second
	}
	return c
}

// Lua script for atomic fixed-window check-and-increment. Returns
// {allowed, pttl_ms}; the counter only moves when the check passes.
const rateWindowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, redis.call("PTTL", key)}
end

local v = redis.call("INCR", key)
if v == 1 then
    redis.call("PEXPIRE", key, ttl)
end
return {1, 0}
`

// Governor is safe for concurrent use. Configure applies new limits without
// restarting the worker pool: waiting workers observe the new concurrency
// immediately and the next window uses the new rate.
type Governor struct {
	rdb    *redis.Client
	script *redis.Script
	log    *logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	cfg    Config
	active int
}

// New creates a governor with the given initial limits.
func New(rdb *redis.Client, cfg Config) *Governor {
	g := &Governor{
		rdb:    rdb,
		script: redis.NewScript(rateWindowScript),
		log:    logger.Component("governor"),
		cfg:    cfg.withDefaults(),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Configure applies new limits live.
func (g *Governor) Configure(cfg Config) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.cond.Broadcast()
	g.log.Info("limits updated",
		"concurrency", cfg.Concurrency,
		"rate_limit_max", cfg.RateLimitMax,
		"rate_limit_duration", cfg.RateLimitDuration.String())
}

// Snapshot returns the current limits and in-flight count.
func (g *Governor) Snapshot() (Config, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg, g.active
}

// Acquire blocks until a concurrency slot is available, or ctx is done.
// Every successful Acquire must be paired with Release. Rate tokens are a
// separate step: a worker acquires its slot before polling the queue but
// spends a token via AcquireToken only once it actually holds a job, so an
// idle pool polling an empty queue does not drain the send window.
func (g *Governor) Acquire(ctx context.Context) error {
	return g.acquireSlot(ctx)
}

// AcquireToken blocks until the current rate window admits one more send,
// or ctx is done. Tokens are never returned; a caller that fails after
// taking one has spent it.
func (g *Governor) AcquireToken(ctx context.Context) error {
	return g.acquireRateToken(ctx)
}

// Release frees a concurrency slot.
func (g *Governor) Release() {
	g.mu.Lock()
	if g.active > 0 {
		g.active--
	}
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *Governor) acquireSlot(ctx context.Context) error {
	// Wake waiters on cancellation; cond has no native ctx support.
	stop := context.AfterFunc(ctx, func() { g.cond.Broadcast() })
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.active >= g.cfg.Concurrency {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	g.active++
	return nil
}

func (g *Governor) acquireRateToken(ctx context.Context) error {
	for {
		g.mu.Lock()
		max := g.cfg.RateLimitMax
		window := g.cfg.RateLimitDuration
		g.mu.Unlock()

		if max <= 0 {
			return nil
		}

		allowed, wait, err := g.tryRateToken(ctx, max, window)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (g *Governor) tryRateToken(ctx context.Context, max int, window time.Duration) (bool, time.Duration, error) {
	windowMs := window.Milliseconds()
	key := fmt.Sprintf("governor:rate:%d", time.Now().UnixMilli()/windowMs)

	result, err := g.script.Run(ctx, g.rdb, []string{key}, max, windowMs*2).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate window check: %w", err)
	}

	allowed, _ := result[0].(int64)
	if allowed == 1 {
		return true, 0, nil
	}

	pttl, _ := result[1].(int64)
	wait := time.Duration(pttl) * time.Millisecond
	if wait <= 0 || wait > window {
		wait = window / 4
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
	}
	return false, wait, nil
}

// Ping checks Redis connectivity for the health surface.
func (g *Governor) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}
