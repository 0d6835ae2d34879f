// Package arena implements the in-memory component manager: a refcounted
// table of the entities a query materialises while it runs. Entities are
// named by opaque 64-bit ids; payloads are column data, range descriptors
// or processing-unit bundles. When an entity's count reaches zero its
// payload is dropped, so a query's working set is bounded by what its
// clauses still hold.
package arena

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/tundradb/tundra/pkg/errors"
)

// EntityID names a live entity
type EntityID uint64

const shardCount = 32

type entry struct {
	payload  any
	refCount int64
}

type shard struct {
	mu      sync.RWMutex
	entries map[EntityID]*entry
}

// Manager is the entity arena. Safe for concurrent insert, get, retain
// and release; iteration over live entities is deliberately not offered.
type Manager struct {
	nextID atomic.Uint64
	shards [shardCount]shard
}

// NewManager creates an empty arena
func NewManager() *Manager {
	m := &Manager{}
	for i := range m.shards {
		m.shards[i].entries = make(map[EntityID]*entry)
	}
	return m
}

func (m *Manager) shardFor(id EntityID) *shard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return &m.shards[xxhash.Sum64(b[:])%shardCount]
}

// Insert stores a payload with an initial reference count of one
func (m *Manager) Insert(payload any) EntityID {
	id := EntityID(m.nextID.Add(1))
	s := m.shardFor(id)
	s.mu.Lock()
	s.entries[id] = &entry{payload: payload, refCount: 1}
	s.mu.Unlock()
	return id
}

// Get returns the payload of a live entity
func (m *Manager) Get(id EntityID) (any, error) {
	s := m.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeInternal, "entity %d is not live", id)
	}
	return e.payload, nil
}

// Retain increments an entity's reference count
func (m *Manager) Retain(id EntityID) error {
	s := m.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	if ok {
		atomic.AddInt64(&e.refCount, 1)
	}
	s.mu.RUnlock()
	if !ok {
		return errors.Newf(errors.ErrorTypeInternal, "retain of dead entity %d", id)
	}
	return nil
}

// Release decrements an entity's reference count, dropping the payload
// at zero. Releasing a dead entity is an internal error.
func (m *Manager) Release(id EntityID) error {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errors.Newf(errors.ErrorTypeInternal, "release of dead entity %d", id)
	}
	if atomic.AddInt64(&e.refCount, -1) <= 0 {
		delete(s.entries, id)
	}
	return nil
}

// Live reports the number of live entities, for tests and leak checks
func (m *Manager) Live() int {
	total := 0
	for i := range m.shards {
		m.shards[i].mu.RLock()
		total += len(m.shards[i].entries)
		m.shards[i].mu.RUnlock()
	}
	return total
}

// GetAs fetches an entity payload with its concrete type
func GetAs[T any](m *Manager, id EntityID) (T, error) {
	var zero T
	payload, err := m.Get(id)
	if err != nil {
		return zero, err
	}
	typed, ok := payload.(T)
	if !ok {
		return zero, errors.Newf(errors.ErrorTypeInternal, "entity %d holds %T", id, payload)
	}
	return typed, nil
}
