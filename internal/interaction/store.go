package interaction

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store keeps one Entry per request id. Implementations are safe for
// concurrent insert, delete and sweep.
type Store interface {
	// LoadOrCreate returns the entry for id, creating it at now if absent.
	LoadOrCreate(id string, now time.Time) *Entry
	Load(id string) (*Entry, bool)
	Delete(id string)
	// Sweep drops entries older than lifetime and returns how many.
	Sweep(now time.Time, lifetime time.Duration) int
	Len() int
}

// MemoryStore is an unbounded map swept periodically.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) LoadOrCreate(id string, now time.Time) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = newEntry(now)
		m.entries[id] = e
	}
	return e
}

func (m *MemoryStore) Load(id string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *MemoryStore) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

func (m *MemoryStore) Sweep(now time.Time, lifetime time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if e.expired(now, lifetime) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// LRUStore bounds memory by both capacity and age. An entry pushed out for
// capacity before its lifetime ends moves to a spill map until a sweep
// drops it, so a busy cache never hands out a second Entry for a request
// that is still answerable.
type LRUStore struct {
	mu       sync.Mutex
	cache    *expirable.LRU[string, *Entry]
	lifetime time.Duration

	spillMu sync.Mutex
	spill   map[string]*Entry
}

func NewLRUStore(size int, lifetime time.Duration) *LRUStore {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	l := &LRUStore{lifetime: lifetime, spill: make(map[string]*Entry)}
	l.cache = expirable.NewLRU[string, *Entry](size, l.evicted, lifetime)
	return l
}

// evicted runs under the cache lock, possibly from its expiry goroutine.
func (l *LRUStore) evicted(id string, e *Entry) {
	if e.expired(time.Now(), l.lifetime) {
		return
	}
	l.spillMu.Lock()
	l.spill[id] = e
	l.spillMu.Unlock()
}

func (l *LRUStore) spilled(id string) (*Entry, bool) {
	l.spillMu.Lock()
	defer l.spillMu.Unlock()
	e, ok := l.spill[id]
	return e, ok
}

func (l *LRUStore) unspill(id string) bool {
	l.spillMu.Lock()
	defer l.spillMu.Unlock()
	_, ok := l.spill[id]
	delete(l.spill, id)
	return ok
}

func (l *LRUStore) LoadOrCreate(id string, now time.Time) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.cache.Get(id); ok {
		return e
	}
	if e, ok := l.spilled(id); ok {
		return e
	}
	e := newEntry(now)
	l.cache.Add(id, e)
	return e
}

func (l *LRUStore) Load(id string) (*Entry, bool) {
	if e, ok := l.cache.Get(id); ok {
		return e, true
	}
	return l.spilled(id)
}

func (l *LRUStore) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Remove(id)
	l.unspill(id)
}

func (l *LRUStore) Sweep(now time.Time, lifetime time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, id := range l.cache.Keys() {
		e, ok := l.cache.Peek(id)
		if ok && e.expired(now, lifetime) {
			l.cache.Remove(id)
			l.unspill(id)
			n++
		}
	}

	l.spillMu.Lock()
	defer l.spillMu.Unlock()
	for id, e := range l.spill {
		if e.expired(now, lifetime) {
			delete(l.spill, id)
			n++
		}
	}
	return n
}

func (l *LRUStore) Len() int {
	l.spillMu.Lock()
	n := len(l.spill)
	l.spillMu.Unlock()
	return l.cache.Len() + n
}
