package usecase

import (
	"context"
	"time"

	"github.com/neonwatty/vibetunnel-sub007/internal/domain"
)

// SessionService wraps the session table with the authorization state
// machine: Created -> Active -> Closed, at most one Active at a time.
type SessionService struct {
	sessions SessionRepository
}

func NewSessionService(s SessionRepository) *SessionService {
	return &SessionService{sessions: s}
}

// Create registers a Created session for a capture-start request. The
// browser-supplied id is validated for shape and entropy first.
func (s *SessionService) Create(ctx context.Context, id, ownerConnection string, target domain.CaptureTarget) (domain.Session, error) {
	if err := domain.ValidateSessionID(id); err != nil {
		return domain.Session{}, err
	}
	now := time.Now().UTC()
	sess := domain.Session{
		ID:              id,
		OwnerConnection: ownerConnection,
		Target:          target,
		State:           domain.SessionCreated,
		CreatedAt:       now,
		LastValidatedAt: now,
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// Activate promotes a Created session once the agent acknowledged the
// capture actually started.
func (s *SessionService) Activate(ctx context.Context, id string) error {
	return s.sessions.Activate(ctx, id)
}

// Discard removes a session that never reached Active (the agent reported
// failure for its start request).
func (s *SessionService) Discard(ctx context.Context, id string) error {
	return s.sessions.Close(ctx, id)
}

// Authorize gates a mutating request: the id must match the current Active
// session exactly. On success lastValidatedAt is refreshed.
func (s *SessionService) Authorize(ctx context.Context, sessionID string) (domain.Session, error) {
	if sessionID == "" {
		return domain.Session{}, domain.ErrSessionInvalid
	}
	active, ok, err := s.sessions.ActiveSession(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	if !ok || active.ID != sessionID {
		return domain.Session{}, domain.ErrSessionInvalid
	}
	_ = s.sessions.Touch(ctx, sessionID, time.Now().UTC())
	return active, nil
}

func (s *SessionService) Get(ctx context.Context, id string) (domain.Session, bool, error) {
	return s.sessions.GetSession(ctx, id)
}

func (s *SessionService) Active(ctx context.Context) (domain.Session, bool, error) {
	return s.sessions.ActiveSession(ctx)
}

func (s *SessionService) Close(ctx context.Context, id string) error {
	return s.sessions.Close(ctx, id)
}

func (s *SessionService) CloseOwned(ctx context.Context, connectionID string) ([]string, error) {
	return s.sessions.CloseOwned(ctx, connectionID)
}

func (s *SessionService) CloseAll(ctx context.Context) ([]string, error) {
	return s.sessions.CloseAll(ctx)
}

func (s *SessionService) CloseIdle(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return s.sessions.CloseIdle(ctx, time.Now().UTC().Add(-olderThan))
}

func (s *SessionService) List(ctx context.Context) ([]domain.Session, error) {
	return s.sessions.ListSessions(ctx)
}
