package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory ObjectStore for tests and local development.
// FailUploads makes the next N uploads fail, for exercising the persistence
// retry path.
type MemoryStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	uploads     int
	downloads   int
	failUploads int
	uploadErr   error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads++
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStore) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	if m.failUploads > 0 {
		m.failUploads--
		return m.uploadErr
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[key] = stored
	return nil
}

// Put seeds an object directly.
func (m *MemoryStore) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

// Get reads an object directly.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// FailUploads makes the next n uploads return err.
func (m *MemoryStore) FailUploads(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUploads = n
	m.uploadErr = err
}

// Uploads returns the number of Upload calls seen, failures included.
func (m *MemoryStore) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}
