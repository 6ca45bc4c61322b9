package kv

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryBucket is an in-memory bucket. Its contents are lost on restart.
type MemoryBucket struct {
	name string

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryBucket creates a new in-memory bucket.
func NewMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{
		name:    name,
		entries: make(map[string]memoryEntry),
	}
}

func (b *MemoryBucket) Name() string {
	return b.name
}

func (b *MemoryBucket) IsPersistent() bool {
	return false
}

func (b *MemoryBucket) Store(key string, value any, opts *StoreOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[key] = memoryEntry{value: value, expiresAt: expiry(opts, time.Now())}
	return nil
}

// live returns the entry for key, dropping it if expired. Caller holds mu.
func (b *MemoryBucket) live(key string) (memoryEntry, bool) {
	e, ok := b.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(time.Now()) {
		delete(b.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (b *MemoryBucket) Get(key string) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.live(key)
	if !ok {
		return nil, nil
	}
	return e.value, nil
}

func (b *MemoryBucket) Take(key string) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.live(key)
	if !ok {
		return nil, nil
	}
	delete(b.entries, key)
	return e.value, nil
}

func (b *MemoryBucket) Exists(key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.live(key)
	return ok, nil
}

func (b *MemoryBucket) Delete(key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.live(key)
	delete(b.entries, key)
	return ok, nil
}

func (b *MemoryBucket) DeleteIf(key string, match func(value any) bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.live(key)
	if !ok || !match(e.value) {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (b *MemoryBucket) Keys(prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, len(b.entries))
	for key, e := range b.entries {
		if e.expired(now) {
			delete(b.entries, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBucket) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = make(map[string]memoryEntry)
	return nil
}

// CleanupExpired removes all expired entries and returns how many were removed.
func (b *MemoryBucket) CleanupExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	count := 0
	for key, e := range b.entries {
		if e.expired(now) {
			delete(b.entries, key)
			count++
		}
	}
	return count
}
