// Package settings is the key-value store behind the weather snapshot cache.
package settings

import (
	"context"
	"sync"
)

// Store is a string key-value store. PutStrings must apply all values
// atomically.
type Store interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	PutString(ctx context.Context, key, value string) error
	PutStrings(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// Memory is a process-local Store, used by tests and the --settings=memory mode.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) GetString(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) PutString(ctx context.Context, key, value string) error {
	return m.PutStrings(ctx, map[string]string{key: value})
}

func (m *Memory) PutStrings(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}
