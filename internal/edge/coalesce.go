package edge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/durable-streams/streams-engine/internal/engineerr"
)

// DefaultLingerMS is spec.md §4.8's "lingers for LINGER_MS (≈ 200)".
const DefaultLingerMS = 200

// DefaultMaxInFlight is spec.md §4.8's coalescing map cap.
const DefaultMaxInFlight = 100_000

// Fetch performs the actual cache-miss work for one URL; it is called at
// most once per in-flight entry regardless of how many callers await it.
type Fetch func(ctx context.Context) (*CachedResponse, bool, error) // (response, cacheable, err)

// inFlight is one coalescing map entry: a promise every concurrent
// caller for the same key awaits.
type inFlight struct {
	done chan struct{}
	resp *CachedResponse
	err  error
}

// Coalescer is the process-wide `Map<url, Future<BufferedResponse>>` of
// spec.md §9's design note: the first arrival for a key fetches, later
// arrivals await the same result.
type Coalescer struct {
	cache      *Cache
	linger     time.Duration
	maxInFlight int
	admission  *rate.Limiter

	mu      sync.Mutex
	entries map[string]*inFlight
}

// NewCoalescer constructs a Coalescer backed by cache. admissionPerSec
// bounds how many *new* cache-miss fetches may be admitted per second
// process-wide (distinct from maxInFlight, which bounds concurrently
// outstanding keys); 0 disables the rate limit.
func NewCoalescer(cache *Cache, linger time.Duration, maxInFlight int, admissionPerSec float64) *Coalescer {
	if linger <= 0 {
		linger = DefaultLingerMS * time.Millisecond
	}
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	var limiter *rate.Limiter
	if admissionPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(admissionPerSec), int(admissionPerSec))
	}
	return &Coalescer{
		cache:       cache,
		linger:      linger,
		maxInFlight: maxInFlight,
		admission:   limiter,
		entries:     make(map[string]*inFlight),
	}
}

// Get coalesces concurrent cache-miss fetches for key: the first caller
// runs fetch; later callers for the same key await its result without
// re-invoking fetch.
func (c *Coalescer) Get(ctx context.Context, key string, ttl time.Duration, fetch Fetch) (*CachedResponse, error) {
	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return awaitEntry(ctx, existing)
	}
	if len(c.entries) >= c.maxInFlight {
		c.mu.Unlock()
		return nil, engineerr.New(engineerr.CodeInternal, "edge: in-flight coalescing map at capacity").WithStatus(503)
	}
	if c.admission != nil && !c.admission.Allow() {
		c.mu.Unlock()
		return nil, engineerr.New(engineerr.CodeInternal, "edge: admission rate exceeded").WithStatus(503)
	}
	entry := &inFlight{done: make(chan struct{})}
	c.entries[key] = entry
	c.mu.Unlock()

	resp, cacheable, err := fetch(ctx)
	entry.resp, entry.err = resp, err
	close(entry.done)

	switch {
	case err != nil:
		c.drop(key)
	case cacheable:
		c.cache.Put(key, resp, ttl)
		c.lingerThenDrop(key)
	default:
		c.drop(key)
	}
	return resp, err
}

func awaitEntry(ctx context.Context, entry *inFlight) (*CachedResponse, error) {
	select {
	case <-entry.done:
		return entry.resp, entry.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coalescer) drop(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Coalescer) lingerThenDrop(key string) {
	time.AfterFunc(c.linger, func() { c.drop(key) })
}

// InFlightCount reports the number of keys currently being fetched or
// lingering, for metrics/debug endpoints.
func (c *Coalescer) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
