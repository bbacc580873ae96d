// Package cache implements the single-instance, thread-safe key→entry map
// described in spec.md §4.5: the only mutable shared state in the system.
// Writes replace an entry's Data wholesale; readers get a shallow copy of
// the Entry struct, which is enough since Data is never mutated in place
// after a write (every poll builds a fresh slice/map and swaps it in).
package cache

import (
	"sync"
	"time"

	"robotplane/internal/enum"
)

// Entry is a single cache slot.
type Entry struct {
	Data      interface{}
	UpdatedAt time.Time
	Err       string
	Meta      map[string]interface{}
}

// Cache is the shared snapshot store written by the polling engine (C6)
// and read by the REST facade (C9).
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Get returns the entry for key and whether it was present.
func (c *Cache) Get(key enum.CacheKey) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[string(key)]
	return e, ok
}

// Set replaces the entry for key with fresh data, clearing any previous
// error and advancing updated_at to now. updated_at is monotonically
// non-decreasing per key because every write stamps wall-clock time and
// writes are serialized by the lock.
func (c *Cache) Set(key enum.CacheKey, data interface{}, meta map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[string(key)] = Entry{
		Data:      data,
		UpdatedAt: time.Now(),
		Meta:      meta,
	}
}

// SetError records a failed poll: the previous Data is retained, the error
// string is recorded, and updated_at still advances (the cache observed an
// attempt, even though it didn't produce fresh data).
func (c *Cache) SetError(key enum.CacheKey, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.entries[string(key)]
	prev.Err = errMsg
	prev.UpdatedAt = time.Now()
	c.entries[string(key)] = prev
}

// ClearError drops a previously recorded error without touching Data.
func (c *Cache) ClearError(key enum.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.entries[string(key)]
	if !ok || prev.Err == "" {
		return
	}
	prev.Err = ""
	c.entries[string(key)] = prev
}

// Invalidate removes an entry outright so the next poll tick repopulates
// it from scratch. Used by mutating REST handlers (C9) after a write to
// C4/C3.
func (c *Cache) Invalidate(key enum.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, string(key))
}

// Keys returns a snapshot of all keys currently present.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}
