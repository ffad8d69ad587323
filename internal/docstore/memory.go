package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memEntry struct {
	value   []byte
	version int64
	deleted bool
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

func (m *MemoryStore) Read(ctx context.Context, key string) (Record, error) {
	if err := ValidateKey(key); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || e.deleted {
		return Record{}, ErrNotFound
	}
	return cloneRecord(Record{Key: key, Value: e.value, Version: e.version}), nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for k, e := range m.entries {
		if e.deleted || !strings.HasPrefix(k, prefix) {
			continue
		}
		out = append(out, cloneRecord(Record{Key: k, Value: e.value, Version: e.version}))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (Record, error) {
	if err := ValidateKey(key); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	var current, next int64
	switch {
	case !ok:
		next = 1
	case e.deleted:
		next = e.version + 1
	default:
		current = e.version
		next = e.version + 1
	}
	if current != expectedVersion {
		return Record{}, conflict(key, expectedVersion, current)
	}

	m.entries[key] = &memEntry{value: append([]byte(nil), value...), version: next}
	return cloneRecord(Record{Key: key, Value: value, Version: next}), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string, expectedVersion int64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.deleted {
		return ErrNotFound
	}
	if e.version != expectedVersion {
		return conflict(key, expectedVersion, e.version)
	}
	e.deleted = true
	e.value = nil
	e.version++
	return nil
}

func (m *MemoryStore) Close() error { return nil }
