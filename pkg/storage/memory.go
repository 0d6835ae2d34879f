package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tundradb/tundra/pkg/codec"
)

// Memory is an in-process backend used by tests and single-shot tooling.
// All operations are linearizable under one mutex.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Name implements Backend
func (m *Memory) Name() string { return "memory" }

// Put implements Backend
func (m *Memory) Put(_ context.Context, key string, data []byte, ifAbsent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ifAbsent {
		if _, ok := m.data[key]; ok {
			return alreadyExists(key)
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[key] = cp
	return nil
}

// Get implements Backend
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, notFound(key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Exists implements Backend
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

// Delete implements Backend
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// List implements Backend. Keys are visited in sorted order.
func (m *Memory) List(_ context.Context, prefix string, fn func(string) bool) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k) {
			return nil
		}
	}
	return nil
}

// AtomicReplace implements Backend
func (m *Memory) AtomicReplace(_ context.Context, key string, oldHash *uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.data[key]
	if oldHash == nil {
		if ok {
			return lostRace(key)
		}
	} else {
		if !ok || codec.Hash(current) != *oldHash {
			return lostRace(key)
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[key] = cp
	return nil
}

// Close implements Backend
func (m *Memory) Close() error { return nil }

// Len reports the number of stored keys, for tests
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
