// Package cache memoizes operation results for a short freshness window.
package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultTTL is the freshness window used when none is configured.
const DefaultTTL = 5 * time.Minute

// Entry is one memoized result. Entries are never updated in place.
type Entry[V any] struct {
	Value       V
	CreatedAt   time.Time
	Fingerprint uint64
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
	Expired int64
}

// Cache maps (operation, input) to a result. It is safe for concurrent use.
type Cache[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[uint64]Entry[V]
	hits    int64
	misses  int64
	expired int64
}

// Option configures a Cache.
type Option func(*config)

type config struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL sets the freshness window.
func WithTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates an empty cache.
func New[V any](opts ...Option) *Cache[V] {
	cfg := config{ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}
	return &Cache[V]{
		ttl:     cfg.ttl,
		now:     cfg.now,
		entries: make(map[uint64]Entry[V]),
	}
}

// Key hashes the operation name and the input. It is a lookup key only and
// makes no claim against deliberate collisions.
func Key(op, input string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(op)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(input)
	return d.Sum64()
}

// Fingerprint hashes the exact input.
func Fingerprint(input string) uint64 {
	return xxhash.Sum64String(input)
}

// Get returns the stored value for (op, input) while it is fresh and was
// produced from exactly this input. Stale or mismatched entries are dropped.
func (c *Cache[V]) Get(op, input string) (V, bool) {
	var zero V
	k := Key(op, input)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		c.misses++
		return zero, false
	}
	if c.now().Sub(e.CreatedAt) >= c.ttl || e.Fingerprint != Fingerprint(input) {
		delete(c.entries, k)
		c.expired++
		c.misses++
		return zero, false
	}
	c.hits++
	return e.Value, true
}

// Put stores v for (op, input), replacing any previous entry.
func (c *Cache[V]) Put(op, input string, v V) {
	e := Entry[V]{Value: v, CreatedAt: c.now(), Fingerprint: Fingerprint(input)}
	c.mu.Lock()
	c.entries[Key(op, input)] = e
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Prune drops expired entries and reports how many were removed.
func (c *Cache[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.CreatedAt) >= c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	c.expired += int64(n)
	return n
}

// Len reports the number of stored entries, fresh or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses, Expired: c.expired}
}
