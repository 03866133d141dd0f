package funnel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is an in-process token bucket gating admission in addition to
// whatever concurrency cap the underlying Funnel already enforces. Capacity
// is `burst`; it refills continuously at `targetRps` tokens/second.
type RateLimiter struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rps      float64
	last     time.Time
}

// NewRateLimiter returns a limiter starting with a full bucket.
func NewRateLimiter(targetRps float64, burst int) *RateLimiter {
	return &RateLimiter{
		capacity: float64(burst),
		tokens:   float64(burst),
		rps:      targetRps,
		last:     time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(r.last).Seconds()
		r.tokens = math.Min(r.capacity, r.tokens+elapsed*r.rps)
		r.last = now

		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}

		var wait time.Duration
		if r.rps > 0 {
			wait = time.Duration((1 - r.tokens) / r.rps * float64(time.Second))
		} else {
			wait = time.Second
		}
		r.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PushRateLimited admits task only once both the funnel's concurrency slot
// and a rate-limiter token are available. Token acquisition happens before
// the funnel slot is claimed, so a rate-limited caller never occupies a
// concurrency permit while only waiting on throughput.
func PushRateLimited[T any](f *Funnel, rl *RateLimiter, ctx context.Context, task func() (T, error)) *Future[T] {
	future := newFuture[T]()
	go func() {
		if err := rl.Wait(ctx); err != nil {
			future.settle(*new(T), err)
			return
		}
		inner := Push(f, task)
		val, err := inner.Wait(ctx)
		future.settle(val, err)
	}()
	return future
}

// DistributedRateLimiter is a Redis-backed token bucket shared across every
// client process throttling against the same provider-account quota (e.g.
// two `fleetfn` processes both invoking functions under one AWS account).
// Adapted from a single-process token bucket into a multi-process one by
// storing the bucket state as "tokens:lastRefillUnix" under one Redis key
// per limiter name, the same encoding a local in-memory bucket would use.
type DistributedRateLimiter struct {
	client *redis.Client
	name   string
	rps    int
	burst  int
}

// NewDistributedRateLimiter returns a limiter sharing bucket state in Redis
// under the given name (e.g. the provider+account identifier).
func NewDistributedRateLimiter(client *redis.Client, name string, rps, burst int) *DistributedRateLimiter {
	return &DistributedRateLimiter{client: client, name: name, rps: rps, burst: burst}
}

// Allow consumes one token if available, returning the retry-after delay
// when it is not.
func (d *DistributedRateLimiter) Allow(ctx context.Context) (allowed bool, retryAfter time.Duration, err error) {
	key := fmt.Sprintf("fleetfn:ratelimit:%s", d.name)
	now := time.Now()
	windowStart := now.Truncate(time.Second)

	val, err := d.client.Get(ctx, key).Result()
	currentTokens := d.burst
	lastRefill := windowStart

	if err == nil {
		var lastRefillUnix int64
		var scanned int
		if _, scanErr := fmt.Sscanf(val, "%d:%d", &currentTokens, &lastRefillUnix); scanErr == nil {
			scanned = 1
		}
		if scanned == 1 {
			lastRefill = time.Unix(lastRefillUnix, 0)
		}
	} else if err != redis.Nil {
		return false, 0, fmt.Errorf("funnel: distributed rate limiter read: %w", err)
	}

	elapsed := windowStart.Sub(lastRefill)
	tokensToAdd := int(elapsed.Seconds()) * d.rps
	currentTokens = min(currentTokens+tokensToAdd, d.burst)

	if currentTokens <= 0 {
		return false, time.Second - time.Duration(now.Nanosecond()), nil
	}
	currentTokens--

	newValue := fmt.Sprintf("%d:%d", currentTokens, windowStart.Unix())
	if err := d.client.Set(ctx, key, newValue, time.Minute).Err(); err != nil {
		return false, 0, fmt.Errorf("funnel: distributed rate limiter write: %w", err)
	}
	return true, 0, nil
}
