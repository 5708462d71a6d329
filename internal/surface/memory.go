package surface

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by one-shot CLI commands
// and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]map[string]string)}
}

// Get returns the value or "" when unset.
func (m *MemoryStore) Get(_ context.Context, namespace, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[namespace][key], nil
}

// Set writes one value.
func (m *MemoryStore) Set(_ context.Context, namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(namespace, key, value)
	return nil
}

// SetMany writes several values under one lock.
func (m *MemoryStore) SetMany(_ context.Context, namespace string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.setLocked(namespace, k, v)
	}
	return nil
}

func (m *MemoryStore) setLocked(namespace, key, value string) {
	ns, ok := m.values[namespace]
	if !ok {
		ns = make(map[string]string)
		m.values[namespace] = ns
	}
	ns[key] = value
}
