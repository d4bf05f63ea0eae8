package storage

import (
	"context"
	"sync"
)

// MemoryKV is an in-memory KV used in tests and for ephemeral deployments
// that do not need connections to survive a restart.
type MemoryKV struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte // address -> endpoint -> record
}

// NewMemoryKV returns an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{records: make(map[string]map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, address, endpoint string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[address][endpoint]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(record))
	copy(out, record)
	return out, nil
}

func (m *MemoryKV) Put(_ context.Context, address, endpoint string, record []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.records[address] == nil {
		m.records[address] = make(map[string][]byte)
	}
	stored := make([]byte, len(record))
	copy(stored, record)
	m.records[address][endpoint] = stored
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, address, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records[address], endpoint)
	if len(m.records[address]) == 0 {
		delete(m.records, address)
	}
	return nil
}

func (m *MemoryKV) List(_ context.Context, address string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(m.records[address]))
	for endpoint, record := range m.records[address] {
		cp := make([]byte, len(record))
		copy(cp, record)
		out[endpoint] = cp
	}
	return out, nil
}
