package cache

import (
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// memoryTier is a bounded map of expiring values. When it is full the entry
// closest to expiry makes room for the new one.
type memoryTier struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	capacity int
}

func newMemoryTier(capacity int) *memoryTier {
	return &memoryTier{entries: make(map[string]memoryEntry), capacity: capacity}
}

func (m *memoryTier) get(key string, now time.Time) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

func (m *memoryTier) set(key string, value []byte, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.capacity {
		m.makeRoom(time.Now())
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
}

// makeRoom drops expired entries, or the soonest to expire when none are.
// Callers hold mu.
func (m *memoryTier) makeRoom(now time.Time) {
	if m.purge(now) > 0 {
		return
	}
	var victim string
	var soonest time.Time
	for key, e := range m.entries {
		if victim == "" || e.expiresAt.Before(soonest) {
			victim, soonest = key, e.expiresAt
		}
	}
	delete(m.entries, victim)
}

// purge drops expired entries and returns how many went. Callers hold mu.
func (m *memoryTier) purge(now time.Time) int {
	n := 0
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
			n++
		}
	}
	return n
}

func (m *memoryTier) purgeExpired() {
	m.mu.Lock()
	m.purge(time.Now())
	m.mu.Unlock()
}

func (m *memoryTier) delete(keys ...string) {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	m.mu.Unlock()
}

func (m *memoryTier) deleteMatching(pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if matchPattern(pattern, key) {
			delete(m.entries, key)
		}
	}
}

func (m *memoryTier) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
