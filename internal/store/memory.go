// ABOUTME: In-memory Store implementation for tests and ephemeral runs
// ABOUTME: Keeps the encoded documents so saves and loads behave like the durable backends

package store

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu    sync.Mutex
	docs  map[string][]byte
	saves int

	// SaveErr, when set, is returned by every Save. Used to simulate disk failures.
	SaveErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Load decodes the stored documents.
func (m *MemoryStore) Load(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := NewSnapshot()
	var corrupt error
	for _, name := range []string{DocAgents, DocTasks} {
		if err := decodeInto(snap, name, m.docs[name]); err != nil {
			corrupt = errors.Join(corrupt, err)
		}
	}
	return snap, corrupt
}

// Save encodes and stores both documents.
func (m *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	agents, tasks, err := encode(snap)
	if err != nil {
		return err
	}
	m.docs[DocAgents] = agents
	m.docs[DocTasks] = tasks
	m.saves++
	return nil
}

// Saves returns the number of successful saves.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// SetRaw overwrites a stored document with raw bytes.
func (m *MemoryStore) SetRaw(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = data
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
