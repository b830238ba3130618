package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps entries in process memory. Entries older than TTL plus the
// retention window are dropped on read.
type MemoryBackend struct {
	mu        sync.RWMutex
	entries   map[string]CacheEntry
	retention time.Duration
	now       func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(retention time.Duration) *MemoryBackend {
	return &MemoryBackend{
		entries:   make(map[string]CacheEntry),
		retention: retention,
		now:       time.Now,
	}
}

// Load returns a copy of the entry or nil.
func (m *MemoryBackend) Load(_ context.Context, key string) (*CacheEntry, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if m.retention > 0 && m.now().Sub(entry.FetchedAt) > entry.TTL()+m.retention {
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && cur.FetchedAt.Equal(entry.FetchedAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, nil
	}

	payload := make([]byte, len(entry.Payload))
	copy(payload, entry.Payload)
	entry.Payload = payload
	return &entry, nil
}

// Store replaces any previous entry for the key.
func (m *MemoryBackend) Store(_ context.Context, entry CacheEntry) error {
	payload := make([]byte, len(entry.Payload))
	copy(payload, entry.Payload)
	entry.Payload = payload

	m.mu.Lock()
	m.entries[entry.Key] = entry
	m.mu.Unlock()
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (m *MemoryBackend) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
