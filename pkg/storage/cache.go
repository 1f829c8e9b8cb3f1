package storage

import (
	"context"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedBackend remembers Exists results for a bounded time. Errors are
// never cached, so a store outage is always observed by the caller.
// Feed and DropMatchclasses through the same instance purge the cache;
// changes made by other processes show up once entries expire.
type CachedBackend struct {
	Backend
	lru *expirable.LRU[string, bool]
}

// NewCachedBackend wraps backend with an existence cache.
func NewCachedBackend(backend Backend, cfg CacheConfig) *CachedBackend {
	return &CachedBackend{
		Backend: backend,
		lru:     expirable.NewLRU[string, bool](cfg.Size, nil, cfg.TTL),
	}
}

func cacheKey(matchclass, domain string, ipv4 bool) string {
	return FamilyFor(ipv4).Field() + "|" + MembershipKey(matchclass, domain)
}

// Exists implements Store.
func (c *CachedBackend) Exists(ctx context.Context, matchclass, domain string, ipv4 bool) (bool, error) {
	key := cacheKey(matchclass, domain, ipv4)
	if hit, ok := c.lru.Get(key); ok {
		return hit, nil
	}
	found, err := c.Backend.Exists(ctx, matchclass, domain, ipv4)
	if err != nil {
		return false, err
	}
	c.lru.Add(key, found)
	return found, nil
}

// Feed implements Backend.
func (c *CachedBackend) Feed(ctx context.Context, matchclass string, domains []string, family Family) (int, error) {
	n, err := c.Backend.Feed(ctx, matchclass, domains, family)
	c.lru.Purge()
	return n, err
}

// DropMatchclasses implements Backend.
func (c *CachedBackend) DropMatchclasses(ctx context.Context, pattern string) ([]string, error) {
	dropped, err := c.Backend.DropMatchclasses(ctx, pattern)
	c.lru.Purge()
	return dropped, err
}

// Len returns the number of cached results.
func (c *CachedBackend) Len() int {
	return c.lru.Len()
}
