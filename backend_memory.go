package worldsync

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is a goroutine-safe in-memory backend. Nothing survives the
// process; it backs tests and the explicit "memory" preference.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{data: make(map[string]map[string][]byte, len(collections))}
	for _, c := range collections {
		m.data[c] = make(map[string][]byte)
	}
	return m
}

func (m *MemoryBackend) Name() string { return BackendMemory }

func (m *MemoryBackend) Put(_ context.Context, collection, key string, value []byte) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[collection][key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) PutBatch(_ context.Context, collection string, values map[string][]byte) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.data[collection][k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, collection, key string) ([]byte, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// GetAll returns values ordered by key.
func (m *MemoryBackend) GetAll(_ context.Context, collection string) ([][]byte, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[collection]))
	for k := range m.data[collection] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, append([]byte(nil), m.data[collection][k]...))
	}
	return out, nil
}

func (m *MemoryBackend) Delete(_ context.Context, collection, key string) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], key)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
