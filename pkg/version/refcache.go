package version

import (
	"context"
	"sync"
	"time"
)

// refEntry is one cached ref payload. attemptedAt advances on every
// refresh attempt, successful or not, which is what keeps a flapping
// backend from turning every reader into a refresher.
type refEntry struct {
	payload     []byte
	fetchedAt   time.Time
	attemptedAt time.Time
}

func (e *refEntry) stale(ttl time.Time) bool {
	return e.fetchedAt.Before(ttl)
}

func (e *refEntry) refreshDue(ttl time.Time) bool {
	return e.attemptedAt.Before(ttl)
}

// refCache caches version ref payloads for readers. Writers bypass it;
// they need the live payload hash for compare-and-swap.
type refCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*refEntry
}

func newRefCache(ttl time.Duration) *refCache {
	if ttl <= 0 {
		ttl = 500 * time.Millisecond
	}
	return &refCache{ttl: ttl, entries: make(map[string]*refEntry)}
}

// get returns the cached payload for key, refreshing through load when
// needed. The refresh predicate is a conjunction: the entry must be stale
// AND a refresh must be due. A reader lock serves the common hit; the
// double-checked upgrade re-tests under the writer lock before claiming
// the refresh, and the load itself runs with no lock held.
func (c *refCache) get(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	cutoff := time.Now().Add(-c.ttl)

	c.mu.RLock()
	e, ok := c.entries[key]
	if ok && !(e.stale(cutoff) && e.refreshDue(cutoff)) {
		payload := e.payload
		c.mu.RUnlock()
		return payload, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	e, ok = c.entries[key]
	if ok && !(e.stale(cutoff) && e.refreshDue(cutoff)) {
		payload := e.payload
		c.mu.Unlock()
		return payload, nil
	}
	if e == nil {
		e = &refEntry{}
		c.entries[key] = e
	}
	e.attemptedAt = time.Now()
	c.mu.Unlock()

	payload, err := load(ctx)
	if err != nil {
		return nil, err
	}

	c.put(key, payload)
	return payload, nil
}

// put installs a payload, e.g. right after a successful commit
func (c *refCache) put(key string, payload []byte) {
	now := time.Now()
	c.mu.Lock()
	c.entries[key] = &refEntry{payload: payload, fetchedAt: now, attemptedAt: now}
	c.mu.Unlock()
}

// invalidate drops a cached entry
func (c *refCache) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
