package credential

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrEmpty      = errors.New("credential is empty")
	ErrAlreadySet = errors.New("credential is already set")
)

// Store holds the reasoning-service API key for the life of the process.
// The value is never written anywhere else.
type Store struct {
	mu     sync.RWMutex
	key    string
	source string
}

// NewStore seeds the store from configuration. An empty key leaves it unset.
func NewStore(initial string) *Store {
	s := &Store{}
	if key := strings.TrimSpace(initial); key != "" {
		s.key = key
		s.source = "environment"
	}
	return s
}

func (s *Store) APIKey() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key, s.key != ""
}

// Set records an interactively entered key. It only succeeds once.
func (s *Store) Set(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != "" {
		return ErrAlreadySet
	}
	s.key = key
	s.source = "interactive"
	return nil
}

// Source reports where the key came from, or "" when unset.
func (s *Store) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}
