// Package session persists per-environment session credentials for external
// sessions, so a tenant can reconnect with a server-issued cookie instead of
// re-running the full federated handshake.
package session

import (
	"context"
	"sync"
)

// Credentials is the persisted authentication state for one external
// session in one environment.
type Credentials struct {
	ResolvedUser  string `json:"resolved_user"`
	SessionCookie string `json:"session_cookie"`
}

// Store persists credentials keyed by (external session id, environment).
// Get returns (nil, nil) when nothing is stored.
type Store interface {
	Get(ctx context.Context, sid, env string) (*Credentials, error)
	Set(ctx context.Context, sid, env string, creds Credentials) error
	Delete(ctx context.Context, sid, env string) error
	DeleteAll(ctx context.Context, sid string) error
}

// MemoryStore is an in-process Store, used in tests and single-node setups
// without Redis.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string]Credentials
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]Credentials)}
}

func (m *MemoryStore) Get(ctx context.Context, sid, env string) (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	envs, ok := m.data[sid]
	if !ok {
		return nil, nil
	}
	c, ok := envs[env]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) Set(ctx context.Context, sid, env string, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	envs, ok := m.data[sid]
	if !ok {
		envs = make(map[string]Credentials)
		m.data[sid] = envs
	}
	envs[env] = creds
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, sid, env string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if envs, ok := m.data[sid]; ok {
		delete(envs, env)
		if len(envs) == 0 {
			delete(m.data, sid)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteAll(ctx context.Context, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, sid)
	return nil
}
