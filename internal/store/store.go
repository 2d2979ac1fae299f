// Package store keeps artifact bytes by hash on the local node.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/nmxmxh/swarmjit/internal/core"
)

// Store is the local artifact byte store. Content under a hash never
// changes, so Put of an existing hash is a no-op.
type Store interface {
	// Put stores b under hash and reports whether it was new.
	Put(ctx context.Context, hash core.Digest, b []byte) (bool, error)
	// Get returns the bytes for hash or a NOT_FOUND error.
	Get(ctx context.Context, hash core.Digest) ([]byte, error)
	Has(ctx context.Context, hash core.Digest) (bool, error)
	List(ctx context.Context) ([]core.Digest, error)
	Close() error
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	items map[core.Digest][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[core.Digest][]byte)}
}

func (m *Memory) Put(_ context.Context, hash core.Digest, b []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[hash]; ok {
		return false, nil
	}
	m.items[hash] = append([]byte(nil), b...)
	return true, nil
}

// Get returns the stored slice itself; callers must not modify it.
func (m *Memory) Get(_ context.Context, hash core.Digest) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.items[hash]
	if !ok {
		return nil, core.NotFoundError(hash)
	}
	return b, nil
}

func (m *Memory) Has(_ context.Context, hash core.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[hash]
	return ok, nil
}

func (m *Memory) List(_ context.Context) ([]core.Digest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Digest, 0, len(m.items))
	for h := range m.items {
		out = append(out, h)
	}
	sortDigests(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortDigests(ds []core.Digest) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].String() < ds[j].String() })
}
