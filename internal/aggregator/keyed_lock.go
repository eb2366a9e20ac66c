package aggregator

import (
	"sync"

	"github.com/google/uuid"
)

// keyedLock serializes work per key. Entries are reference counted and
// removed when the last holder releases, so the map does not grow with the
// number of parents ever seen.
type keyedLock struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{
		entries: make(map[uuid.UUID]*lockEntry),
	}
}

// lock acquires the lock for the key and returns the release function.
func (l *keyedLock) lock(key uuid.UUID) func() {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
