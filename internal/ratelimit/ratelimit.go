// Package ratelimit provides keyed token-bucket limiters.
//
// watchbridge uses it in two places: pacing reconnect attempts per watched
// root, and admitting Server-Sent Events connections per remote address.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// defaultIdleTTL is how long an unused key's limiter is retained.
const defaultIdleTTL = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

func (e *entry) touch(now time.Time) {
	e.lastSeen.Store(now.UnixNano())
}

// KeyedRateLimiter manages per-key rate limiting.
// Each unique key gets its own independent rate limiter.
type KeyedRateLimiter struct {
	limiters *xsync.MapOf[string, *entry]
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a keyed rate limiter allowing rps events per second per key
// with the given burst. Idle keys are evicted by a background sweep.
func New(rps float64, burst int) *KeyedRateLimiter {
	krl := &KeyedRateLimiter{
		limiters: xsync.NewMapOf[string, *entry](),
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  defaultIdleTTL,
		now:      time.Now,
		done:     make(chan struct{}),
	}

	go krl.cleanupLoop()

	return krl
}

// Allow reports whether an event for key may happen now. It never blocks.
func (krl *KeyedRateLimiter) Allow(key string) bool {
	return krl.getLimiter(key).Allow()
}

// Wait blocks until an event for key is allowed or ctx is done.
func (krl *KeyedRateLimiter) Wait(ctx context.Context, key string) error {
	return krl.getLimiter(key).Wait(ctx)
}

// Forget drops the limiter for key, resetting its budget.
func (krl *KeyedRateLimiter) Forget(key string) {
	krl.limiters.Delete(key)
}

// Len returns the number of tracked keys.
func (krl *KeyedRateLimiter) Len() int {
	return krl.limiters.Size()
}

func (krl *KeyedRateLimiter) getLimiter(key string) *rate.Limiter {
	e, _ := krl.limiters.LoadOrCompute(key, func() *entry {
		return &entry{limiter: rate.NewLimiter(krl.limit, krl.burst)}
	})
	e.touch(krl.now())
	return e.limiter
}

// Stop shuts down the cleanup goroutine.
func (krl *KeyedRateLimiter) Stop() {
	krl.stopOnce.Do(func() {
		close(krl.done)
	})
}

func (krl *KeyedRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(krl.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			krl.evictIdle()
		case <-krl.done:
			return
		}
	}
}

// evictIdle removes limiters not used within idleTTL.
func (krl *KeyedRateLimiter) evictIdle() {
	cutoff := krl.now().Add(-krl.idleTTL).UnixNano()
	krl.limiters.Range(func(key string, e *entry) bool {
		if e.lastSeen.Load() < cutoff {
			krl.limiters.Delete(key)
		}
		return true
	})
}
