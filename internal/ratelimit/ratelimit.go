// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLimiterTimeout is returned by Acquire when the wait exceeds the
// caller's timeout.
var ErrLimiterTimeout = fmt.Errorf("ratelimit: acquire timed out")

// Stats mirrors the observability surface required by the spec.
type Stats struct {
	Total429Hits        int64
	TimeoutCount         int64
	AvgWaitMs            float64
	CurrentTokens        float64
	PausedUntil          *time.Time
	PauseRemainingSeconds float64
}

// Bucket is a per-instance token bucket backed by Redis, using a Lua script
// so concurrent workers against one instance converge on a single atomic
// refill-then-deduct without a central coordinator.
type Bucket struct {
	rdb         *redis.Client
	instanceKey string
	rate        float64
	burst       float64

	acquireScript *redis.Script
	notifyScript  *redis.Script
	statusScript  *redis.Script

	total429    int64
	timeouts    int64
}

func NewBucket(rdb *redis.Client, instanceKey string, rate, burst float64) *Bucket {
	return &Bucket{
		rdb:         rdb,
		instanceKey: instanceKey,
		rate:        rate,
		burst:       burst,
		acquireScript: redis.NewScript(`
			local key = KEYS[1]
			local requested = tonumber(ARGV[1])
			local capacity = tonumber(ARGV[2])
			local refill_rate = tonumber(ARGV[3])
			local now = tonumber(ARGV[4])

			local bucket = redis.call('HMGET', key, 'tokens', 'last_refill', 'paused_until')
			local tokens = tonumber(bucket[1]) or capacity
			local last_refill = tonumber(bucket[2]) or now
			local paused_until = tonumber(bucket[3]) or 0

			local elapsed = math.max(now - last_refill, 0)
			tokens = math.min(capacity, tokens + elapsed * refill_rate)

			local allowed = 0
			if now >= paused_until and tokens >= requested then
				tokens = tokens - requested
				allowed = 1
			end

			redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now, 'paused_until', paused_until)
			redis.call('EXPIRE', key, 3600)
			return {allowed, tostring(tokens), tostring(paused_until)}
		`),
		notifyScript: redis.NewScript(`
			local key = KEYS[1]
			local until_ts = tonumber(ARGV[1])
			local bucket = redis.call('HMGET', key, 'paused_until')
			local current = tonumber(bucket[1]) or 0
			local next_val = math.max(current, until_ts)
			redis.call('HSET', key, 'paused_until', next_val)
			redis.call('EXPIRE', key, 3600)
			return tostring(next_val)
		`),
		statusScript: redis.NewScript(`
			local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'paused_until')
			return {bucket[1] or '0', bucket[2] or '0'}
		`),
	}
}

// Acquire blocks (polling with backoff) until n tokens are available or
// timeout elapses, returning ErrLimiterTimeout on expiry.
func (b *Bucket) Acquire(ctx context.Context, n float64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	poll := 10 * time.Millisecond
	for {
		ok, _, err := b.tryAcquire(ctx, n)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			b.timeouts++
			return ErrLimiterTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
		if poll < 200*time.Millisecond {
			poll *= 2
		}
	}
}

func (b *Bucket) tryAcquire(ctx context.Context, n float64) (bool, float64, error) {
	res, err := b.acquireScript.Run(ctx, b.rdb, []string{redisKey(b.instanceKey)},
		n, b.burst, b.rate, float64(time.Now().Unix())).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: acquire script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result")
	}
	allowed := arr[0].(int64) == 1
	return allowed, 0, nil
}

// NotifyRateLimit sets paused_until to the later of the current value and
// the supplied hint (retry-after or reset-time), suppressing Acquire until
// that instant. The bucket clock counts whole seconds, so the hint is
// rounded up to the next whole second.
func (b *Bucket) NotifyRateLimit(ctx context.Context, until time.Time) error {
	b.total429++
	untilSec := until.Unix()
	if until.Nanosecond() > 0 {
		untilSec++
	}
	_, err := b.notifyScript.Run(ctx, b.rdb, []string{redisKey(b.instanceKey)}, float64(untilSec)).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: notify script: %w", err)
	}
	return nil
}

func (b *Bucket) StatsSnapshot(ctx context.Context) (Stats, error) {
	res, err := b.statusScript.Run(ctx, b.rdb, []string{redisKey(b.instanceKey)}).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("ratelimit: status script: %w", err)
	}
	arr, _ := res.([]interface{})
	var tokens, pausedUnix float64
	if len(arr) >= 2 {
		fmt.Sscanf(fmt.Sprint(arr[0]), "%f", &tokens)
		fmt.Sscanf(fmt.Sprint(arr[1]), "%f", &pausedUnix)
	}
	s := Stats{
		Total429Hits:  b.total429,
		TimeoutCount:  b.timeouts,
		CurrentTokens: tokens,
	}
	if pausedUnix > 0 {
		t := time.Unix(int64(pausedUnix), 0)
		s.PausedUntil = &t
		remaining := time.Until(t).Seconds()
		if remaining > 0 {
			s.PauseRemainingSeconds = remaining
		}
	}
	return s, nil
}

func redisKey(instanceKey string) string {
	return "engram:bucket:" + instanceKey
}

// Composite is a logical AND of several buckets: acquiring requires every
// child to grant tokens.
type Composite struct {
	children []*Bucket
}

func NewComposite(children ...*Bucket) *Composite {
	return &Composite{children: children}
}

func (c *Composite) Acquire(ctx context.Context, n float64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, child := range c.children {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if err := child.Acquire(ctx, n, remaining); err != nil {
			return err
		}
	}
	return nil
}
