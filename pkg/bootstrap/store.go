// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"sync"
)

// Store holds per-endpoint bootstrap configs.
type Store interface {
	// Get returns the config for endpoint; ok is false when none is stored.
	Get(ctx context.Context, endpoint string) (cfg Config, ok bool, err error)
}

// DefaultStore is a Store that also carries a process-wide default config.
type DefaultStore interface {
	Store
	Default(ctx context.Context) (cfg Config, ok bool, err error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]Config
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]Config)}
}

func (s *MemoryStore) Get(_ context.Context, endpoint string) (Config, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[endpoint]
	return cfg.Clone(), ok, nil
}

// Put stores cfg for endpoint.
func (s *MemoryStore) Put(endpoint string, cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[endpoint] = cfg.Clone()
}

// Delete removes endpoint's config.
func (s *MemoryStore) Delete(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, endpoint)
}
