package auth

import (
	"sync"
	"time"
)

// Token is an access token and the moment it was saved.
type Token struct {
	Value   string
	SavedAt time.Time
}

// Credentials are kept so an expired token can be renewed by logging in again.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialStore persists the token and credentials of the current session.
type CredentialStore interface {
	SaveToken(token Token)
	Token() (Token, bool)
	SaveCredentials(creds Credentials)
	Credentials() (Credentials, bool)
	Clear()
}

// MemoryStore is a CredentialStore that lives as long as the process.
type MemoryStore struct {
	mu    sync.RWMutex
	token *Token
	creds *Credentials
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveToken(token Token) {
	s.mu.Lock()
	s.token = &token
	s.mu.Unlock()
}

func (s *MemoryStore) Token() (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return Token{}, false
	}
	return *s.token, true
}

func (s *MemoryStore) SaveCredentials(creds Credentials) {
	s.mu.Lock()
	s.creds = &creds
	s.mu.Unlock()
}

func (s *MemoryStore) Credentials() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return Credentials{}, false
	}
	return *s.creds, true
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.token = nil
	s.creds = nil
	s.mu.Unlock()
}
