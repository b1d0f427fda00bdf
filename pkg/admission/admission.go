// Package admission implements the two-layer load-shedding gate: a global
// in-flight gauge and per-endpoint token buckets keyed by (subject, method).
package admission

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"gateway/pkg/config"
	"gateway/pkg/gwerrors"
)

// Gauge is the global atomic counter of requests past admission and not yet
// completed or aborted. It never goes negative and never exceeds its
// ceiling beyond the admit/undo window.
type Gauge struct {
	current atomic.Int64
	max     int64
}

// NewGauge creates a gauge with the given ceiling.
func NewGauge(max int64) *Gauge {
	return &Gauge{max: max}
}

// TryAcquire atomically reserves one slot. It increments first and undoes
// the increment when the ceiling is exceeded, so the gauge may transiently
// read max+1 but a rejected request never holds a slot.
func (g *Gauge) TryAcquire() bool {
	if g.current.Add(1) > g.max {
		g.current.Add(-1)
		return false
	}
	return true
}

// Release returns one slot.
func (g *Gauge) Release() {
	if g.current.Add(-1) < 0 {
		// An unpaired release is an invariant violation; clamp it
		// rather than let the gauge wander negative.
		g.current.Add(1)
	}
}

// Current returns the number of requests in flight.
func (g *Gauge) Current() int64 {
	return g.current.Load()
}

// Max returns the gauge ceiling.
func (g *Gauge) Max() int64 {
	return g.max
}

// Overloaded reports whether the node is past the off-load threshold.
func (g *Gauge) Overloaded(threshold int64) bool {
	return g.current.Load() >= threshold
}

// Ticket represents one admitted request. Done is idempotent: however many
// times cancellation and completion race, the gauge is decremented exactly
// once.
type Ticket struct {
	gauge *Gauge
	once  sync.Once
}

// Done releases the ticket's slot. Safe to call more than once.
func (t *Ticket) Done() {
	t.once.Do(t.gauge.Release)
}

// bucketKey identifies one rate-limited endpoint.
type bucketKey struct {
	subject string
	method  string
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

const bucketShards = 16

// shard is one lock domain of the bucket map. Locks are held only for map
// access, never across a blocking call.
type shard struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// Limiter combines the gauge with lazily-created per-endpoint buckets.
type Limiter struct {
	gauge     *Gauge
	shards    [bucketShards]*shard
	capacity  int
	refill    rate.Limit
	idleReap  time.Duration
	stopReap  chan struct{}
	reapOnce  sync.Once
	closeOnce sync.Once
}

// NewLimiter creates the admission gate. Buckets refill BucketCapacity
// tokens per BucketRefillWindow and are reaped after BucketIdleReap idle.
func NewLimiter(inflightMax int64) *Limiter {
	l := &Limiter{
		gauge:    NewGauge(inflightMax),
		capacity: config.BucketCapacity,
		refill:   rate.Limit(float64(config.BucketCapacity) / config.BucketRefillWindow.Seconds()),
		idleReap: config.BucketIdleReap,
		stopReap: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[bucketKey]*bucket)}
	}
	return l
}

// Gauge exposes the global in-flight gauge.
func (l *Limiter) Gauge() *Gauge {
	return l.gauge
}

// Admit runs both layers for one request. On success the returned ticket
// owns one in-flight slot; the caller must call Done exactly when the
// response is written or the request aborts.
func (l *Limiter) Admit(subject, method string) (*Ticket, error) {
	if !l.gauge.TryAcquire() {
		return nil, gwerrors.New(gwerrors.KindOverloaded, "in-flight ceiling reached")
	}

	if !l.AllowEndpoint(subject, method) {
		l.gauge.Release()
		return nil, gwerrors.New(gwerrors.KindRateLimited, "rate limit exceeded for %s on %s", subject, method)
	}

	return &Ticket{gauge: l.gauge}, nil
}

// AllowEndpoint consumes one token from the endpoint's bucket, creating it
// lazily. The off-load path uses it directly when the gauge is already at
// its ceiling and no local slot is taken.
func (l *Limiter) AllowEndpoint(subject, method string) bool {
	key := bucketKey{subject: subject, method: method}
	s := l.shards[shardFor(key)]

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.refill, l.capacity)}
		s.buckets[key] = b
	}
	b.lastUsed = time.Now()
	s.mu.Unlock()

	return b.limiter.Allow()
}

// shardFor is FNV-1a over the key fields.
func shardFor(key bucketKey) uint32 {
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for _, s := range []string{key.subject, "\x00", key.method} {
		for i := 0; i < len(s); i++ {
			h ^= uint32(s[i])
			h *= prime
		}
	}
	return h % bucketShards
}

// StartReaper begins periodic eviction of idle buckets. Stop with Close.
func (l *Limiter) StartReaper() {
	l.reapOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-l.stopReap:
					return
				case <-ticker.C:
					l.reap(time.Now())
				}
			}
		}()
	})
}

func (l *Limiter) reap(now time.Time) {
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			if now.Sub(b.lastUsed) > l.idleReap {
				delete(s.buckets, key)
			}
		}
		s.mu.Unlock()
	}
}

// BucketCount returns the number of live buckets, for tests and stats.
func (l *Limiter) BucketCount() int {
	count := 0
	for _, s := range l.shards {
		s.mu.Lock()
		count += len(s.buckets)
		s.mu.Unlock()
	}
	return count
}

// Close stops the reaper.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stopReap)
	})
}
