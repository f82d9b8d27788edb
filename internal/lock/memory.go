package lock

import (
	"context"
	"fmt"
	"sync"
)

// Memory is a process-local Manager for tests and single-process deployments.
type Memory struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// NewMemory constructs an empty lock table.
func NewMemory() *Memory {
	return &Memory{held: make(map[int64]struct{})}
}

func (m *Memory) TryLock(_ context.Context, key int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return false, nil
	}
	m.held[key] = struct{}{}
	return true, nil
}

func (m *Memory) Unlock(_ context.Context, key int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; !ok {
		return fmt.Errorf("unlock %s: not held", Name(key))
	}
	delete(m.held, key)
	return nil
}

func (m *Memory) Locked(_ context.Context, key int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok, nil
}
