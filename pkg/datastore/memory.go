package datastore

import (
	"context"
	"fmt"
	"sync"

	"github.com/NicolasHaas/linechat/pkg/model"
)

// MemoryStore provides an in-memory CredentialStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]model.UserRecord
	saves int
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{users: make(map[string]model.UserRecord)}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// Load returns a copy of the stored accounts.
func (s *MemoryStore) Load(_ context.Context) (map[string]model.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]model.UserRecord, len(s.users))
	for k, v := range s.users {
		result[k] = v
	}
	return result, nil
}

// Save replaces the stored accounts. Nothing is written if any record is invalid.
func (s *MemoryStore) Save(_ context.Context, users map[string]model.UserRecord) error {
	next := make(map[string]model.UserRecord, len(users))
	for k, u := range users {
		if err := model.ValidateUsername(u.Username); err != nil {
			return fmt.Errorf("datastore: upsert user: %w", err)
		}
		if u.PasswordHash == "" {
			return fmt.Errorf("datastore: upsert user %q: empty password hash", u.Username)
		}
		next[k] = u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = next
	s.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
