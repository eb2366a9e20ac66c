package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dedup is a bounded, time-evicted set of processed event IDs. Idempotent
// consumers call Seen before applying an event's effect and skip events
// whose ID is already present. Entries expire after the TTL; when the set
// grows past its size bound, the oldest entries are evicted first.
//
// Dedup is a first filter, not the only line of defence: consumers back it
// with conditional store writes so a duplicate surviving eviction is still
// harmless.
type Dedup struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	seen  map[uuid.UUID]time.Time
	order []uuid.UUID
}

// NewDedup creates a Dedup with the given entry TTL and maximum size.
func NewDedup(ttl time.Duration, max int) *Dedup {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &Dedup{
		ttl:  ttl,
		max:  max,
		seen: make(map[uuid.UUID]time.Time),
	}
}

// Seen records the event ID and reports whether it was already present.
func (d *Dedup) Seen(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.evict(now)

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	d.order = append(d.order, id)
	return false
}

// Forget removes the event ID so a redelivery of the same event is not
// discarded. Consumers call this when applying the event's effect failed
// after Seen recorded it.
func (d *Dedup) Forget(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; !ok {
		return
	}
	delete(d.seen, id)
	for i, got := range d.order {
		if got == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Len returns the current number of tracked event IDs.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// evict drops expired entries and, if still over the size bound, the oldest
// entries. Caller must hold the mutex.
func (d *Dedup) evict(now time.Time) {
	cutoff := now.Add(-d.ttl)
	i := 0
	for ; i < len(d.order); i++ {
		ts, ok := d.seen[d.order[i]]
		if ok && ts.After(cutoff) {
			break
		}
		delete(d.seen, d.order[i])
	}
	d.order = d.order[i:]

	for len(d.order) >= d.max {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
}
