package statestore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrStateNotFound = errors.New("state not found or expired")

// StateInfo binds an authorization attempt to the user and server that started it. Sign-in
// attempts have no user yet and carry a Purpose instead.
type StateInfo struct {
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	ServerID  string    `json:"server_id"`
	Purpose   string    `json:"purpose,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists pending OAuth states. Consume is single use: a state can be read at most once.
type Store interface {
	Save(ctx context.Context, state string, info StateInfo, ttl time.Duration) error
	Consume(ctx context.Context, state string) (*StateInfo, error)
	PurgeExpired(ctx context.Context) int
}

// GenerateState returns a 32 byte URL safe nonce.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type entry struct {
	info      StateInfo
	expiresAt time.Time
}

// StateStore keeps states in process memory.
type StateStore struct {
	states map[string]entry
	mu     sync.Mutex
	now    func() time.Time
}

// NewStateStore creates a new StateStore instance
func NewStateStore() *StateStore {
	return &StateStore{
		states: make(map[string]entry),
		now:    time.Now,
	}
}

func (s *StateStore) Save(ctx context.Context, state string, info StateInfo, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = entry{
		info:      info,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *StateStore) Consume(ctx context.Context, state string) (*StateInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.states[state]
	if !exists {
		return nil, ErrStateNotFound
	}
	delete(s.states, state)

	if !s.now().Before(e.expiresAt) {
		return nil, ErrStateNotFound
	}

	info := e.info
	return &info, nil
}

// PurgeExpired removes expired states and returns how many were dropped.
func (s *StateStore) PurgeExpired(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	for state, e := range s.states {
		if !now.Before(e.expiresAt) {
			delete(s.states, state)
			purged++
		}
	}
	return purged
}

func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
