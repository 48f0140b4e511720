package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neonwatty/vibetunnel-sub007/internal/domain"
)

// Store is the in-memory session table. All invariants (single Active
// session, bounded table size) are enforced under one mutex because every
// caller does check-then-act.
type Store struct {
	mu          sync.RWMutex
	items       map[string]*domain.Session
	maxSessions int
}

func NewStore(maxSessions int) *Store {
	if maxSessions < 1 {
		maxSessions = 1
	}
	return &Store{
		items:       make(map[string]*domain.Session, maxSessions),
		maxSessions: maxSessions,
	}
}

func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	for _, e := range s.items {
		if e.State == domain.SessionActive {
			return fmt.Errorf("another capture session is active")
		}
	}
	if len(s.items) >= s.maxSessions {
		return fmt.Errorf("session table full")
	}
	cp := sess
	s.items[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.items[id]; ok {
		return *e, true, nil
	}
	return domain.Session{}, false, nil
}

func (s *Store) ActiveSession(ctx context.Context) (domain.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.items {
		if e.State == domain.SessionActive {
			return *e, true, nil
		}
	}
	return domain.Session{}, false, nil
}

func (s *Store) Activate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	if e.State != domain.SessionCreated {
		return fmt.Errorf("session %s is %s, not created", id, e.State)
	}
	for _, other := range s.items {
		if other.ID != id && other.State == domain.SessionActive {
			return fmt.Errorf("another capture session is active")
		}
	}
	e.State = domain.SessionActive
	e.LastValidatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[id]; ok {
		e.LastValidatedAt = at
	}
	return nil
}

// Close removes the session immediately; Closed sessions are never kept in
// the table.
func (s *Store) Close(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *Store) CloseOwned(ctx context.Context, connectionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed []string
	for id, e := range s.items {
		if e.OwnerConnection == connectionID {
			closed = append(closed, id)
			delete(s.items, id)
		}
	}
	return closed, nil
}

func (s *Store) CloseAll(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	closed := make([]string, 0, len(s.items))
	for id := range s.items {
		closed = append(closed, id)
		delete(s.items, id)
	}
	return closed, nil
}

func (s *Store) CloseIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed []string
	for id, e := range s.items {
		if e.LastValidatedAt.Before(cutoff) {
			closed = append(closed, id)
			delete(s.items, id)
		}
	}
	return closed, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Session, 0, len(s.items))
	for _, e := range s.items {
		out = append(out, *e)
	}
	return out, nil
}
