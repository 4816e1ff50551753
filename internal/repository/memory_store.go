package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"formbot/internal/domain"
)

// MemoryStore is a process-local session store for the chat command and
// tests. It applies the same version check as the persistent stores.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*domain.Session{}, now: time.Now}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s *domain.Session, expectedVersion int64) error {
	if s == nil || s.ID == "" {
		return errors.New("repository: Save: session ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored int64
	if cur, ok := m.sessions[s.ID]; ok {
		stored = cur.Version
	}
	if stored != expectedVersion {
		return fmt.Errorf("repository: Save %s at version %d: %w", s.ID, expectedVersion, domain.ErrVersionConflict)
	}
	s.Version = expectedVersion + 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// AbandonExpired moves every non-terminal session last updated before cutoff
// to abandoned and marks it timed out.
func (m *MemoryStore) AbandonExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) && s.Expire(m.now().UTC()) {
			s.Version++
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
