package redis

import (
	"context"
	"sync"
	"time"

	"github.com/plone/guillotina-sub001"
)

// MockClient is an in-process stand-in for the Redis client. It records deleted keys
// so tests can assert on invalidations.
type MockClient struct {
	mu      sync.Mutex
	lookup  map[string][]byte
	Deleted []string
	// FailWith, when set, is returned by every call.
	FailWith error
}

// NewMockClient returns a new Redis mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		lookup: make(map[string][]byte),
	}
}

var _ guillotina.CloseableCache = (*MockClient)(nil)

func (m *MockClient) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if expiration < 0 {
		return nil
	}
	m.lookup[key] = append([]byte(nil), value...)
	return nil
}

func (m *MockClient) Get(ctx context.Context, key string) (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, nil, m.FailWith
	}
	ba, ok := m.lookup[key]
	return ok, ba, nil
}

func (m *MockClient) Delete(ctx context.Context, keys []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	found := false
	for _, k := range keys {
		if _, ok := m.lookup[k]; ok {
			found = true
			delete(m.lookup, k)
		}
		m.Deleted = append(m.Deleted, k)
	}
	return found, nil
}

func (m *MockClient) Ping(ctx context.Context) error {
	return m.FailWith
}

func (m *MockClient) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookup = make(map[string][]byte)
	return nil
}

func (m *MockClient) Close() error {
	return nil
}

// Has reports whether key is currently stored.
func (m *MockClient) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup[key]
	return ok
}
