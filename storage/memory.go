package storage

import (
	"context"
	"sync"
)

// Memory is an in-process store. Nothing survives a restart.
type Memory struct {
	data    map[string][]byte
	mu      sync.Mutex
	writes  int
	removes int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns copies of the values for the keys that exist.
func (m *Memory) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// Set stores copies of values.
func (m *Memory) Set(_ context.Context, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range values {
		m.data[k] = append([]byte(nil), v...)
	}
	m.writes++
	return nil
}

// Remove deletes the keys.
func (m *Memory) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.data, k)
	}
	m.removes++
	return nil
}

// Writes returns the number of Set calls made so far.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Removes returns the number of Remove calls made so far.
func (m *Memory) Removes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removes
}
