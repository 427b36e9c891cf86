// Package resolver implements the host resolvers rules use.
package resolver

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"time"

	"rulegate/pkg/rules"
)

type cacheEntry struct {
	addrs    []netip.Addr
	expires  time.Time
	inserted time.Time
}

// Cached memoizes successful lookups of another resolver for a fixed TTL.
// When full, the oldest entry is evicted.
type Cached struct {
	next     rules.Resolver
	mu       sync.RWMutex
	ttl      time.Duration
	capacity int
	data     map[string]cacheEntry
	now      func() time.Time
}

func NewCached(next rules.Resolver, ttl time.Duration, capacity int) *Cached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if capacity <= 0 {
		capacity = 1000
	}

	return &Cached{
		next:     next,
		ttl:      ttl,
		capacity: capacity,
		data:     make(map[string]cacheEntry),
		now:      time.Now,
	}
}

func (c *Cached) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := c.get(host); ok {
		return addrs, nil
	}

	addrs, err := c.next.LookupNetIP(ctx, host)
	if err != nil {
		return nil, err
	}
	c.set(host, addrs)

	return addrs, nil
}

func (c *Cached) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.data)
}

func (c *Cached) get(host string) ([]netip.Addr, bool) {
	c.mu.RLock()
	entry, ok := c.data[host]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if now := c.now(); now.After(entry.expires) {
		c.mu.Lock()
		// A concurrent lookup may have stored a fresh entry meanwhile.
		if cur, ok := c.data[host]; ok && now.After(cur.expires) {
			delete(c.data, host)
		}
		c.mu.Unlock()
		return nil, false
	}

	return slices.Clone(entry.addrs), true
}

func (c *Cached) set(host string, addrs []netip.Addr) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[host]; !exists && len(c.data) >= c.capacity {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, v := range c.data {
			if first || v.inserted.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.inserted
				first = false
			}
		}
		delete(c.data, oldestKey)
	}

	c.data[host] = cacheEntry{
		addrs:    addrs,
		expires:  now.Add(c.ttl),
		inserted: now,
	}
}
