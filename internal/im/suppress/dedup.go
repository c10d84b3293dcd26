// Package suppress holds the per-supervisor duplicate and alert-storm
// suppression state.
package suppress

import (
	"sync"
	"time"
)

const DefaultCapacity = 2000

// Clock returns the current time; tests swap it.
type Clock func() time.Time

// DedupCache remembers message ids for a TTL window.
type DedupCache struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	capacity int
	now      Clock
}

func NewDedupCache(capacity int, now Clock) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &DedupCache{seen: make(map[string]time.Time), capacity: capacity, now: now}
}

// IsDuplicate checks and records id atomically. It returns true when id was
// first seen less than ttl ago. Empty ids are never duplicates.
func (d *DedupCache) IsDuplicate(id string, ttl time.Duration) bool {
	if id == "" {
		return false
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if first, ok := d.seen[id]; ok && now.Sub(first) < ttl {
		return true
	}
	d.seen[id] = now
	if len(d.seen) > d.capacity {
		d.sweepLocked(now, ttl)
	}
	return false
}

// Forget removes id so its next delivery is accepted again.
func (d *DedupCache) Forget(id string) {
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
}

func (d *DedupCache) sweepLocked(now time.Time, ttl time.Duration) {
	for id, first := range d.seen {
		if now.Sub(first) >= ttl {
			delete(d.seen, id)
		}
	}
}

func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
