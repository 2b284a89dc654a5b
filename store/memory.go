package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore 进程内实现，用于测试与单机调试
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]State
	fail    error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]State)}
}

func memKey(spaceID, objID string) string {
	return spaceID + "/" + objID
}

func (m *MemoryStore) Get(ctx context.Context, spaceID, objID string) (State, bool, error) {
	if err := ctx.Err(); err != nil {
		return State{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return State{}, false, m.fail
	}
	st, ok := m.records[memKey(spaceID, objID)]
	return st, ok, nil
}

func (m *MemoryStore) Set(ctx context.Context, spaceID, objID string, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.records[memKey(spaceID, objID)] = st
	return nil
}

// SetFailing 使后续调用全部失败（on=false 恢复）
func (m *MemoryStore) SetFailing(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.fail = fmt.Errorf("memory store: %w", ErrUnavailable)
	} else {
		m.fail = nil
	}
}
