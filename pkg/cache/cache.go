// Package cache is a small in-process TTL cache for derived aggregates, with
// per-category expiry and invalidation and a single recomputation per key
// at a time.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dan-solli/gorevise/pkg/metrics"
)

// Category groups entries that share a TTL and are invalidated together.
type Category string

const (
	Statistics       Category = "statistics"
	KnowledgePoints  Category = "knowledge-points"
	ReviewCandidates Category = "review-candidates"
	SearchResults    Category = "search-results"
	UserPreferences  Category = "user-preferences"
)

// AllCategories lists every category.
var AllCategories = []Category{Statistics, KnowledgePoints, ReviewCandidates, SearchResults, UserPreferences}

// DefaultTTLs are the per-category lifetimes.
var DefaultTTLs = map[Category]time.Duration{
	Statistics:       60 * time.Second,
	KnowledgePoints:  300 * time.Second,
	ReviewCandidates: 120 * time.Second,
	SearchResults:    180 * time.Second,
	UserPreferences:  600 * time.Second,
}

// fallbackTTL applies to categories without a configured TTL.
const fallbackTTL = 60 * time.Second

// ComputeFunc produces a value on a miss.
type ComputeFunc func(ctx context.Context) (any, error)

type entry struct {
	value     any
	createdAt time.Time
	ttl       time.Duration
	hits      int64
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// EntryInfo describes a live entry.
type EntryInfo struct {
	CreatedAt time.Time
	TTL       time.Duration
	Hits      int64
}

// Stats counts cache activity since creation.
type Stats struct {
	Hits          int64            `json:"hits"`
	Misses        int64            `json:"misses"`
	Invalidations int64            `json:"invalidations"`
	Entries       int              `json:"entries"`
	ByCategory    map[Category]int `json:"by_category"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Options configures a Cache.
type Options struct {
	// TTLs override DefaultTTLs per category.
	TTLs map[Category]time.Duration
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Cache is safe for concurrent use. The mutex only guards map access, so a
// compute function may itself read from the cache.
type Cache struct {
	mu          sync.Mutex
	entries     map[Category]map[string]*entry
	generations map[Category]uint64
	ttls        map[Category]time.Duration
	stats       Stats

	group   singleflight.Group
	clock   func() time.Time
	metrics metrics.Collector
	logger  *zap.Logger
}

// New creates an empty cache.
func New(opts Options) *Cache {
	ttls := make(map[Category]time.Duration, len(DefaultTTLs))
	for c, d := range DefaultTTLs {
		ttls[c] = d
	}
	for c, d := range opts.TTLs {
		if d > 0 {
			ttls[c] = d
		}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		entries:     make(map[Category]map[string]*entry),
		generations: make(map[Category]uint64),
		ttls:        ttls,
		clock:       clock,
		metrics:     metrics.NewNoopCollector(),
		logger:      zap.NewNop(),
	}
}

// WithMetrics sets the collector. A nil collector keeps the no-op one.
func (c *Cache) WithMetrics(m metrics.Collector) *Cache {
	if m != nil {
		c.metrics = m
	}
	return c
}

// WithLogger sets the logger. A nil logger keeps the no-op one.
func (c *Cache) WithLogger(logger *zap.Logger) *Cache {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// TTL returns the lifetime configured for a category.
func (c *Cache) TTL(cat Category) time.Duration {
	if d, ok := c.ttls[cat]; ok {
		return d
	}
	return fallbackTTL
}

type lookupOptions struct {
	force bool
	ttl   time.Duration
}

// Option tunes a single lookup.
type Option func(*lookupOptions)

// ForceRefresh skips the cached value and recomputes.
func ForceRefresh() Option {
	return func(o *lookupOptions) { o.force = true }
}

// WithTTL overrides the category TTL for the stored entry.
func WithTTL(d time.Duration) Option {
	return func(o *lookupOptions) { o.ttl = d }
}

// GetOrCompute returns the live entry for (cat, key) or computes, stores and
// returns a new one. Concurrent misses for the same key share one
// computation. Errors are returned to every waiter and never cached. A value
// computed across an invalidation of its category is returned but not stored.
func (c *Cache) GetOrCompute(ctx context.Context, cat Category, key string, compute ComputeFunc, opts ...Option) (any, error) {
	var o lookupOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = c.TTL(cat)
	}

	c.mu.Lock()
	now := c.clock()
	if !o.force {
		if e, ok := c.entries[cat][key]; ok {
			if !e.expired(now) {
				e.hits++
				c.stats.Hits++
				v := e.value
				c.mu.Unlock()
				c.metrics.RecordCache(ctx, string(cat), metrics.CacheHit)
				return v, nil
			}
			delete(c.entries[cat], key)
		}
	}
	c.stats.Misses++
	gen := c.generations[cat]
	c.mu.Unlock()
	c.metrics.RecordCache(ctx, string(cat), metrics.CacheMiss)

	flightKey := string(cat) + "\x00" + strconv.FormatUint(gen, 10) + "\x00" + key
	if o.force {
		flightKey += "\x00force"
	}

	ch := c.group.DoChan(flightKey, func() (any, error) {
		start := time.Now()
		// Waiters cancel independently; the shared computation runs to completion.
		v, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.store(cat, key, gen, v, o.ttl)
		c.logger.Debug("cache entry computed",
			zap.String("category", string(cat)),
			zap.Duration("took", time.Since(start)))
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// store publishes v unless the category was invalidated after gen was read.
func (c *Cache) store(cat Category, key string, gen uint64, v any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[cat] != gen {
		return
	}
	if c.entries[cat] == nil {
		c.entries[cat] = make(map[string]*entry)
	}
	c.entries[cat][key] = &entry{value: v, createdAt: c.clock(), ttl: ttl}
}

// Get returns a live cached value without computing.
func (c *Cache) Get(cat Category, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cat][key]
	if !ok || e.expired(c.clock()) {
		return nil, false
	}
	e.hits++
	c.stats.Hits++
	return e.value, true
}

// Entry reports metadata for a live entry.
func (c *Cache) Entry(cat Category, key string) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cat][key]
	if !ok || e.expired(c.clock()) {
		return EntryInfo{}, false
	}
	return EntryInfo{CreatedAt: e.createdAt, TTL: e.ttl, Hits: e.hits}, true
}

// Invalidate drops every entry of the given categories and fences off any
// computation already in flight for them.
func (c *Cache) Invalidate(cats ...Category) {
	c.mu.Lock()
	for _, cat := range cats {
		delete(c.entries, cat)
		c.generations[cat]++
		c.stats.Invalidations++
	}
	c.mu.Unlock()
	for _, cat := range cats {
		c.metrics.RecordCache(context.Background(), string(cat), metrics.CacheInvalidation)
	}
}

// InvalidateKey drops a single entry and fences its category's in-flight
// computations.
func (c *Cache) InvalidateKey(cat Category, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries[cat], key)
	c.generations[cat]++
	c.stats.Invalidations++
}

// Clear drops every entry in every category.
func (c *Cache) Clear() {
	c.mu.Lock()
	cats := make(map[Category]struct{}, len(AllCategories))
	for _, cat := range AllCategories {
		cats[cat] = struct{}{}
	}
	for cat := range c.entries {
		cats[cat] = struct{}{}
	}
	list := make([]Category, 0, len(cats))
	for cat := range cats {
		list = append(list, cat)
	}
	c.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	c.Invalidate(list...)
}

// PurgeExpired removes expired entries and returns how many were removed.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	n := 0
	for _, entries := range c.entries {
		for key, e := range entries {
			if e.expired(now) {
				delete(entries, key)
				n++
			}
		}
	}
	return n
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.ByCategory = make(map[Category]int, len(c.entries))
	s.Entries = 0
	for cat, entries := range c.entries {
		s.ByCategory[cat] = len(entries)
		s.Entries += len(entries)
	}
	return s
}

// Key joins parts into a cache key.
func Key(parts ...any) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += fmt.Sprint(p)
	}
	return out
}

// AsyncResult is delivered by GetOrComputeAsync.
type AsyncResult struct {
	Value any
	Err   error
}

// GetOrComputeAsync runs GetOrCompute on its own goroutine. The returned
// channel receives exactly one result and is then closed.
func (c *Cache) GetOrComputeAsync(ctx context.Context, cat Category, key string, compute ComputeFunc, opts ...Option) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		defer close(out)
		v, err := c.GetOrCompute(ctx, cat, key, compute, opts...)
		out <- AsyncResult{Value: v, Err: err}
	}()
	return out
}

// Fetch is a typed GetOrCompute.
func Fetch[T any](ctx context.Context, c *Cache, cat Category, key string, compute func(context.Context) (T, error), opts ...Option) (T, error) {
	v, err := c.GetOrCompute(ctx, cat, key, func(ctx context.Context) (any, error) {
		return compute(ctx)
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache: entry %s/%s holds %T", cat, key, v)
	}
	return t, nil
}
