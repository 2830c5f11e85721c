package localstore

import "sync"

// Memory is an in-process store with the same quota semantics as Storage.
// Nothing survives the process.
type Memory struct {
	quota int64

	mu     sync.Mutex
	values map[string][]byte
}

// NewMemory returns an empty store. A quota <= 0 selects DefaultQuota.
func NewMemory(quota int64) *Memory {
	if quota <= 0 {
		quota = DefaultQuota
	}
	return &Memory{
		quota:  quota,
		values: make(map[string][]byte),
	}
}

func (m *Memory) GetItem(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) SetItem(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var used int64
	for k, v := range m.values {
		if k != key {
			used += int64(len(v))
		}
	}
	if used+int64(len(value)) > m.quota {
		return ErrQuotaExceeded
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

// Used returns the number of bytes counted against the quota.
func (m *Memory) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var used int64
	for _, v := range m.values {
		used += int64(len(v))
	}
	return used
}

// Quota returns the configured byte quota.
func (m *Memory) Quota() int64 {
	return m.quota
}
