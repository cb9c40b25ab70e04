package geometry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"trip-replay/internal/trip"
)

// BulkLoader fetches the static all-routes geometry resource.
type BulkLoader interface {
	LoadBulk(ctx context.Context) (map[trip.RoadID][]trip.Coord, error)
}

// RouteResolver looks up a driving route between two coordinates.
type RouteResolver interface {
	Route(ctx context.Context, from, to trip.Coord) ([]trip.Coord, error)
}

type Metrics interface {
	GeometryLookup(source string)
	GeometryBulkLoaded(n int)
}

const (
	SourceMemory = "memory"
	SourceBulk   = "bulk"
	SourceStore  = "store"
	SourceRoute  = "route"
	SourceMiss   = "miss"
)

// Cache resolves road ids to paths: memory, then the bulk resource, then the
// optional persistent store, then the route resolver. Resolved routes are
// written back to memory and the store. Failures are never cached.
type Cache struct {
	mem      *MemoryStore
	store    Store
	loader   BulkLoader
	resolver RouteResolver
	metrics  Metrics

	warmTimeout time.Duration
	group       singleflight.Group

	mu   sync.RWMutex
	bulk map[trip.RoadID][]trip.Coord
	warm bool
}

type Option func(*Cache)

// WithStore adds a persistent layer consulted after the bulk resource.
func WithStore(s Store) Option { return func(c *Cache) { c.store = s } }

func WithMetrics(m Metrics) Option { return func(c *Cache) { c.metrics = m } }

// WithWarmTimeout bounds the shared bulk fetch. The default is 30s.
func WithWarmTimeout(d time.Duration) Option { return func(c *Cache) { c.warmTimeout = d } }

func NewCache(loader BulkLoader, resolver RouteResolver, opts ...Option) *Cache {
	c := &Cache{
		mem:         NewMemoryStore(),
		loader:      loader,
		resolver:    resolver,
		warmTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Warm loads the bulk resource once. Concurrent callers share one fetch; a
// failed fetch leaves the cache cold so a later call retries. The shared fetch
// is not tied to any caller's cancellation: a caller whose ctx ends stops
// waiting, the others keep the result.
func (c *Cache) Warm(ctx context.Context) error {
	if c.Warmed() || c.loader == nil {
		return nil
	}
	ch := c.group.DoChan("bulk", func() (any, error) {
		if c.Warmed() {
			return nil, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.warmTimeout)
		defer cancel()
		paths, err := c.loader.LoadBulk(lctx)
		if err != nil {
			return nil, fmt.Errorf("warm geometry cache: %w", err)
		}
		c.mu.Lock()
		c.bulk = paths
		c.warm = true
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.GeometryBulkLoaded(len(paths))
		}
		log.Printf("geometry: bulk resource loaded roads=%d", len(paths))
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) Warmed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.warm
}

// Resolve returns the path for roadID, or ok=false when nothing could be found.
func (c *Cache) Resolve(ctx context.Context, roadID trip.RoadID, from, to trip.Coord) ([]trip.Coord, bool) {
	if roadID != "" {
		if p, ok, _ := c.mem.Get(ctx, roadID); ok {
			c.observe(SourceMemory)
			return p, true
		}

		c.mu.RLock()
		p, ok := c.bulk[roadID]
		c.mu.RUnlock()
		if ok && len(p) >= 2 {
			c.observe(SourceBulk)
			return p, true
		}

		if c.store != nil {
			p, ok, err := c.store.Get(ctx, roadID)
			if err != nil {
				log.Printf("geometry: store read failed road=%s: %v", roadID, err)
			}
			if ok && len(p) >= 2 {
				_ = c.mem.Put(ctx, roadID, p)
				c.observe(SourceStore)
				return p, true
			}
		}
	}

	if c.resolver == nil {
		c.observe(SourceMiss)
		return nil, false
	}
	p, err := c.resolver.Route(ctx, from, to)
	if err != nil || len(p) < 2 {
		if err != nil {
			log.Printf("geometry: route lookup failed road=%s: %v", roadID, err)
		}
		c.observe(SourceMiss)
		return nil, false
	}
	c.observe(SourceRoute)

	if roadID == "" {
		return p, true
	}
	_ = c.mem.Put(ctx, roadID, p)
	if c.store != nil {
		// write-back failures only cost a future lookup
		if err := c.store.Put(ctx, roadID, p); err != nil {
			log.Printf("geometry: store write failed road=%s: %v", roadID, err)
		}
	}
	return p, true
}

// Len reports how many roads have been resolved into memory this session.
func (c *Cache) Len() int { return c.mem.Len() }

// Reset drops every in-process entry and marks the bulk resource cold.
// The persistent store is left alone.
func (c *Cache) Reset() {
	c.mem.reset()
	c.mu.Lock()
	c.bulk = nil
	c.warm = false
	c.mu.Unlock()
}

func (c *Cache) observe(source string) {
	if c.metrics != nil {
		c.metrics.GeometryLookup(source)
	}
}
