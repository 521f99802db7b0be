package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-process Backend for tests and single-node runs.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (m *MemoryBackend) Scan(_ context.Context, prefix, after string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, KV{Key: k, Value: cloneBytes(m.data[k])})
	}
	return out, nil
}

func (m *MemoryBackend) Apply(_ context.Context, mutations []Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, mu := range mutations {
		if mu.Delete {
			delete(m.data, mu.Key)
			continue
		}
		m.data[mu.Key] = cloneBytes(mu.Value)
	}
	return nil
}

func (m *MemoryBackend) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryBackend) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Len returns the number of stored keys.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
