// Package productcache provides the local, short-TTL product cache the
// engine uses to short-circuit suspension point (a) of admission
// (product load) without adding a network hop to the hot path. It holds
// product records only; the durable single-flight pre-check (b) is not
// cached and still reads the slot store.
package productcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/slotforge/admission-engine/internal/model"
)

// Loader fetches a product from the durable store on a cache miss.
type Loader func(ctx context.Context, productID string) (*model.Product, error)

type entry struct {
	product   *model.Product
	expiresAt time.Time
}

// Cache is a local, in-process TTL cache for Product records, guarded
// against stampede by a singleflight group so that concurrent misses
// for the same product id collapse into one durable-store read.
type Cache struct {
	mu     sync.RWMutex
	data   map[string]entry
	ttl    time.Duration
	load   Loader
	flight singleflight.Group
}

// New builds a Cache with the given TTL and loader.
func New(ttl time.Duration, load Loader) *Cache {
	return &Cache{
		data: make(map[string]entry),
		ttl:  ttl,
		load: load,
	}
}

// Get returns the product for productID, serving from the local cache
// when fresh and otherwise loading through the singleflight group.
func (c *Cache) Get(ctx context.Context, productID string) (*model.Product, error) {
	if p, ok := c.fresh(productID); ok {
		return p, nil
	}

	v, err, _ := c.flight.Do(productID, func() (interface{}, error) {
		if p, ok := c.fresh(productID); ok {
			return p, nil
		}
		p, err := c.load(ctx, productID)
		if err != nil {
			return nil, err
		}
		c.store(productID, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Product), nil
}

// Invalidate evicts productID so the next Get reloads from the durable
// store. Used after stock-affecting mutations the engine itself made.
func (c *Cache) Invalidate(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, productID)
}

func (c *Cache) fresh(productID string) (*model.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[productID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.product, true
}

func (c *Cache) store(productID string, p *model.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[productID] = entry{product: p, expiresAt: time.Now().Add(c.ttl)}
}
