package store

import (
	"context"
	"sync"
)

// Memory is a process-local backend for dev and tests.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[name]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Replace(_ context.Context, name string, payload []byte) error {
	v := make([]byte, len(payload))
	copy(v, payload)
	m.mu.Lock()
	m.data[name] = v
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
