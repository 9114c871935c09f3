// Package registry memoizes digest lookups and supplies registry
// credentials.
package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karlseguin/ccache"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"keelhaul/internal/check"
	"keelhaul/internal/image"
	"keelhaul/internal/reconcile"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultNegativeTTL   = 10 * time.Second
	DefaultLookupTimeout = 30 * time.Second
	defaultMaxEntries    = 4096
)

// Lookup results passed to CacheOptions.OnLookup.
const (
	LookupHit         = "hit"
	LookupNegativeHit = "negative_hit"
	LookupMiss        = "miss"
)

var (
	_ reconcile.Resolver  = (*Cache)(nil)
	_ reconcile.PassAware = (*Cache)(nil)
)

type CacheOptions struct {
	// TTL bounds successful lookups. They are also dropped at every pass.
	TTL time.Duration
	// NegativeTTL bounds failed lookups so a down registry is not hammered.
	NegativeTTL time.Duration
	MaxEntries  int64
	// LookupTimeout bounds one shared registry lookup. Callers that stop
	// waiting do not cancel it for the others.
	LookupTimeout time.Duration
	// RateLimit is the sustained lookups per second allowed per registry
	// host; zero disables limiting.
	RateLimit float64
	RateBurst int
	Clock     reconcile.Clock
	OnLookup  func(result string)
}

type entry struct {
	digest  digest.Digest
	err     error
	pass    uint64
	epoch   uint64
	expires time.Time
}

// Cache wraps a Resolver with short-lived memoization, request
// de-duplication and per-host rate limiting. It is safe for concurrent use.
type Cache struct {
	next  reconcile.Resolver
	opts  CacheOptions
	items *ccache.Cache
	group singleflight.Group
	pass  atomic.Uint64
	epoch atomic.Uint64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewCache(next reconcile.Resolver, opts CacheOptions) *Cache {
	check.Assert(next != nil, "registry.NewCache: next resolver must not be nil")
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	prune := max(uint32(opts.MaxEntries/10), 1)
	return &Cache{
		next:     next,
		opts:     opts,
		items:    ccache.New(ccache.Configure().MaxSize(opts.MaxEntries).ItemsToPrune(prune)),
		limiters: make(map[string]*rate.Limiter),
	}
}

// BeginPass invalidates every successful lookup; registries change under
// the agent and a digest is never trusted across passes.
func (c *Cache) BeginPass() {
	c.pass.Add(1)
}

// Reset invalidates every entry, failures included. Entries written by
// lookups that started before the reset are never served.
func (c *Cache) Reset() {
	c.epoch.Add(1)
}

// Stop releases the cache's background goroutine.
func (c *Cache) Stop() {
	c.items.Stop()
}

func (c *Cache) ResolveDigest(ctx context.Context, ref image.Reference, creds reconcile.Credentials) (digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := ref.WithoutDigest().String()
	if e, ok := c.lookup(key); ok {
		if e.err != nil {
			c.observe(LookupNegativeHit)
		} else {
			c.observe(LookupHit)
		}
		return e.digest, e.err
	}
	c.observe(LookupMiss)

	ch := c.group.DoChan(key, func() (any, error) {
		// A concurrent caller may have filled the entry while we queued.
		if e, ok := c.lookup(key); ok {
			return e, nil
		}
		e := entry{pass: c.pass.Load(), epoch: c.epoch.Load()}

		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LookupTimeout)
		defer cancel()
		if err := c.limiter(ref.Domain()).Wait(lookupCtx); err != nil {
			return nil, &reconcile.ResolveError{Image: key, Reason: reconcile.ResolveErrorReasonRateLimited, Err: err}
		}
		e.digest, e.err = c.next.ResolveDigest(lookupCtx, ref, creds)
		c.store(key, e)
		return e, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		e := res.Val.(entry)
		return e.digest, e.err
	}
}

func (c *Cache) lookup(key string) (entry, bool) {
	item := c.items.Get(key)
	if item == nil {
		return entry{}, false
	}
	e, ok := item.Value().(entry)
	if !ok || e.epoch != c.epoch.Load() || !c.opts.Clock.Now().Before(e.expires) {
		return entry{}, false
	}
	if e.err == nil && e.pass != c.pass.Load() {
		return entry{}, false
	}
	return e, true
}

func (c *Cache) store(key string, e entry) {
	ttl := c.opts.TTL
	if e.err != nil {
		// The caller going away says nothing about the registry.
		if errors.Is(e.err, context.Canceled) {
			return
		}
		ttl = c.opts.NegativeTTL
	}
	e.expires = c.opts.Clock.Now().Add(ttl)
	c.items.Set(key, e, ttl)
}

func (c *Cache) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		limit := rate.Inf
		if c.opts.RateLimit > 0 {
			limit = rate.Limit(c.opts.RateLimit)
		}
		l = rate.NewLimiter(limit, c.opts.RateBurst)
		c.limiters[host] = l
	}
	return l
}

func (c *Cache) observe(result string) {
	if c.opts.OnLookup != nil {
		c.opts.OnLookup(result)
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
