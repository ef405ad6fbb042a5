package tool

import (
	"context"
	"sync"
)

// Store abstracts descriptor persistence for CLI (memory) and daemon
// (SQLite-backed) modes.
type Store interface {
	List(ctx context.Context) ([]Descriptor, error)
	Upsert(ctx context.Context, desc Descriptor) error
	Delete(ctx context.Context, serverID, name string) error
	Close() error
}

// MemoryStore is an in-process Store used by tests and one-shot CLI calls.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[regKey]Descriptor
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[regKey]Descriptor)}
}

// List returns all stored descriptors.
func (s *MemoryStore) List(ctx context.Context) ([]Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Descriptor, 0, len(s.entries))
	for _, desc := range s.entries {
		out = append(out, desc.Clone())
	}
	return out, nil
}

// Upsert stores a descriptor keyed by (server, name).
func (s *MemoryStore) Upsert(ctx context.Context, desc Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[regKey{desc.ServerID, desc.Name}] = desc.Clone()
	return nil
}

// Delete removes a descriptor.
func (s *MemoryStore) Delete(ctx context.Context, serverID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, regKey{serverID, name})
	return nil
}

// Close satisfies Store.
func (s *MemoryStore) Close() error { return nil }
