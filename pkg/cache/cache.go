// Package cache implements the time-boxed read cache shared by the hub and
// the query layer. Entries expire per category and can be invalidated
// explicitly by write paths that make them stale.
package cache

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Category selects one of the fixed TTL classes.
type Category string

const (
	CategoryUsers    Category = "users"
	CategoryServers  Category = "servers"
	CategoryChannels Category = "channels"
	CategoryMessages Category = "messages"
	CategoryFriends  Category = "friends"
)

// DefaultTTLs are the per-category expiry windows.
func DefaultTTLs() map[Category]time.Duration {
	return map[Category]time.Duration{
		CategoryUsers:    5 * time.Minute,
		CategoryServers:  2 * time.Minute,
		CategoryChannels: time.Minute,
		CategoryMessages: 30 * time.Second,
		CategoryFriends:  time.Minute,
	}
}

type entry struct {
	payload  any
	storedAt time.Time
}

// Cache is a read-through TTL cache. A single guard covers the whole table;
// the compute function runs under it, which serializes categories against
// each other. Splitting the guard per category is the next step if miss
// latency under contention ever matters.
type Cache struct {
	mu      sync.Mutex
	ttls    map[Category]time.Duration
	entries map[Category]map[string]entry

	now    func() time.Time
	logger *slog.Logger
}

func New(ttls map[Category]time.Duration, logger *slog.Logger) *Cache {
	c := &Cache{
		ttls:    ttls,
		entries: make(map[Category]map[string]entry, len(ttls)),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "cache")),
	}
	for cat := range ttls {
		c.entries[cat] = make(map[string]entry)
	}
	return c
}

// GetOrCompute returns the cached payload for (category, key) if it is
// younger than the category TTL; otherwise it runs compute, stores the fresh
// result with the current timestamp and returns it. Compute failures
// propagate uncached.
func (c *Cache) GetOrCompute(cat Category, key string, compute func() (any, error)) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl, known := c.ttls[cat]
	if !known {
		// Unknown category: pass through without storing.
		return compute()
	}

	if e, ok := c.entries[cat][key]; ok && c.now().Sub(e.storedAt) < ttl {
		return e.payload, nil
	}

	payload, err := compute()
	if err != nil {
		return nil, err
	}
	c.entries[cat][key] = entry{payload: payload, storedAt: c.now()}
	return payload, nil
}

// Invalidate removes a specific entry; no-op if absent.
func (c *Cache) Invalidate(cat Category, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries[cat], key)
}

// InvalidateCategory drops every entry in a category.
func (c *Cache) InvalidateCategory(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[cat]; ok {
		c.entries[cat] = make(map[string]entry)
	}
}

// EvictIfOversized trims a category that has grown past maxEntries down to
// half capacity, dropping oldest-by-timestamp entries first. Meant to run
// periodically rather than per-write.
func (c *Cache) EvictIfOversized(cat Category, maxEntries int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	table := c.entries[cat]
	if maxEntries <= 0 || len(table) <= maxEntries {
		return
	}

	type aged struct {
		key      string
		storedAt time.Time
	}
	all := make([]aged, 0, len(table))
	for k, e := range table {
		all = append(all, aged{key: k, storedAt: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].storedAt.Before(all[j].storedAt)
	})

	keep := maxEntries / 2
	drop := len(all) - keep
	for _, a := range all[:drop] {
		delete(table, a.key)
	}
	c.logger.Debug("evicted oversized cache category",
		slog.String("category", string(cat)),
		slog.Int("dropped", drop),
		slog.Int("kept", keep),
	)
}

// Len reports the number of live entries in a category, expired or not.
func (c *Cache) Len(cat Category) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[cat])
}
