// Package ratelimit throttles sell-order submissions per user with token
// buckets.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned when a caller exceeds its submission rate.
var ErrLimited = errors.New("rate limit exceeded")

// idleAfter is how long an unused bucket is kept before it may be pruned.
const idleAfter = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed holds one token bucket per key.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	maxKeys int

	now func() time.Time
}

// New creates a keyed limiter allowing perSec events per second per key
// with the given burst.
func New(perSec float64, burst int) *Keyed {
	return &Keyed{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSec),
		burst:   burst,
		maxKeys: 10_000,
		now:     time.Now,
	}
}

// Allow reports whether key may proceed now, consuming a token if so.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	b, ok := k.buckets[key]
	if !ok {
		if len(k.buckets) >= k.maxKeys {
			k.prune(now)
		}
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Check is Allow returning ErrLimited on refusal.
func (k *Keyed) Check(key string) error {
	if !k.Allow(key) {
		return ErrLimited
	}
	return nil
}

// prune drops buckets idle for longer than idleAfter. Caller holds k.mu.
func (k *Keyed) prune(now time.Time) {
	for key, b := range k.buckets {
		if now.Sub(b.lastSeen) > idleAfter {
			delete(k.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
