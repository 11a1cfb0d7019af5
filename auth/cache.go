package auth

import (
	"context"
	"sync"
	"time"

	"github.com/orca-zhang/ecache"
	"github.com/orcastor/s3gw/core"
)

// CachingResolver keeps positive lookups for a bounded time.
// Misses and backend failures always go through to the wrapped resolver.
type CachingResolver struct {
	next  Resolver
	cache *ecache.Cache

	// gens counts invalidations per key. A lookup only fills the cache when
	// no invalidation happened while it was in flight.
	mu   sync.Mutex
	gens map[string]uint64
}

func NewCachingResolver(next Resolver, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		next:  next,
		cache: ecache.NewLRUCache(16, 512, ttl),
		gens:  make(map[string]uint64),
	}
}

func (c *CachingResolver) generation(accessKeyID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[accessKeyID]
}

func (c *CachingResolver) Resolve(ctx context.Context, accessKeyID string) (*Credential, error) {
	if v, ok := c.cache.Get(accessKeyID); ok {
		if cred, ok := v.(*Credential); ok {
			return cred, nil
		}
	}
	gen := c.generation(accessKeyID)
	cred, err := c.next.Resolve(ctx, accessKeyID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.gens[accessKeyID] == gen {
		c.cache.Put(accessKeyID, cred)
	}
	c.mu.Unlock()
	return cred, nil
}

// Invalidate drops the cached secret so the next lookup hits the store.
// Lookups already in flight will not cache what they read.
func (c *CachingResolver) Invalidate(accessKeyID string) {
	c.mu.Lock()
	c.gens[accessKeyID]++
	c.cache.Del(accessKeyID)
	c.mu.Unlock()
}

// update invalidates on both sides of a store write.
func (c *CachingResolver) update(accessKeyID string, write func(KeyStore) error) error {
	ks, ok := c.next.(KeyStore)
	if !ok {
		return core.ERR_INVALID_ARGUMENT
	}
	c.Invalidate(accessKeyID)
	defer c.Invalidate(accessKeyID)
	return write(ks)
}

func (c *CachingResolver) PutSecret(ctx context.Context, accessKeyID, secret string) error {
	return c.update(accessKeyID, func(ks KeyStore) error {
		return ks.PutSecret(ctx, accessKeyID, secret)
	})
}

func (c *CachingResolver) DeleteSecret(ctx context.Context, accessKeyID string) error {
	return c.update(accessKeyID, func(ks KeyStore) error {
		return ks.DeleteSecret(ctx, accessKeyID)
	})
}
