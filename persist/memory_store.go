package persist

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for tests and ephemeral vaults.
// All state is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	salt    []byte
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (m *MemoryStore) SaveSecret(name string, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := record.Clone()
	stored.Name = name
	stored.UpdatedAt = time.Now().UTC()
	m.records[name] = stored
	return nil
}

func (m *MemoryStore) LoadSecret(name string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return record.Clone(), nil
}

func (m *MemoryStore) RotateSecret(name string, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[name]; !ok {
		return ErrSecretNotFound
	}
	stored := record.Clone()
	stored.Name = name
	stored.UpdatedAt = time.Now().UTC()
	m.records[name] = stored
	return nil
}

func (m *MemoryStore) ListSecrets() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DeleteSecret(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[name]; !ok {
		return ErrSecretNotFound
	}
	delete(m.records, name)
	return nil
}

func (m *MemoryStore) SecretExists(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.records[name]
	return ok, nil
}

func (m *MemoryStore) SaveSalt(salt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.salt = append([]byte(nil), salt...)
	return nil
}

func (m *MemoryStore) LoadSalt() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.salt == nil {
		return nil, ErrSecretNotFound
	}
	return append([]byte(nil), m.salt...), nil
}

func (m *MemoryStore) SaltExists() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.salt != nil, nil
}

func (m *MemoryStore) Ping() error { return nil }

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = make(map[string]*Record)
	m.salt = nil
	return nil
}

func (m *MemoryStore) GetType() string { return "memory" }
