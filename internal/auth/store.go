// Package auth holds the portal credential pair and the stores that keep it.
package auth

import "sync"

// Store is the process-wide holder for the credential pair and cached user.
// Populated by login, replaced atomically by a successful refresh, cleared on
// logout or forced session termination. All readers observe the latest value.
type Store interface {
	Get() (Credentials, bool)
	Set(creds Credentials) error
	Clear() error
	User() *User
	SetUser(user *User) error
}

// MemoryStore keeps credentials in memory only.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
	user  *User
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns the stored credentials; ok is false when no access credential is held.
func (s *MemoryStore) Get() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.creds.Valid()
}

// Set replaces the credential pair.
func (s *MemoryStore) Set(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	return nil
}

// Clear drops credentials and the cached user.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	s.user = nil
	return nil
}

// User returns a copy of the cached user record, or nil.
func (s *MemoryStore) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	cp := *s.user
	return &cp
}

// SetUser caches the user record.
func (s *MemoryStore) SetUser(user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user == nil {
		s.user = nil
		return nil
	}
	cp := *user
	s.user = &cp
	return nil
}
