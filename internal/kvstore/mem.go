package kvstore

import "sync"

// MemStore is a process-local Store. It is used in tests and wherever a
// quota-bounded substrate is needed without touching disk.
type MemStore struct {
	values   map[string][]byte
	quota    int64
	readOnly bool
	mu       sync.Mutex
}

func NewMemStore(quota int64) *MemStore {
	return &MemStore{values: make(map[string][]byte), quota: quota}
}

// SetReadOnly makes every subsequent write fail with ErrReadOnly.
func (m *MemStore) SetReadOnly(ro bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = ro
}

func (m *MemStore) Quota() int64 { return m.quota }

func (m *MemStore) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return ErrReadOnly
	}
	if err := checkQuota(m.quota, m.usage(), int64(len(m.values[key])), int64(len(value))); err != nil {
		return err
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return ErrReadOnly
	}
	delete(m.values, key)
	return nil
}

func (m *MemStore) Usage() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage(), nil
}

func (m *MemStore) usage() int64 {
	var total int64
	for _, v := range m.values {
		total += int64(len(v))
	}
	return total
}
