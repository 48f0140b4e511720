package usecase

import (
	"context"
	"time"

	"github.com/neonwatty/vibetunnel-sub007/internal/domain"
)

// SessionRepository is the session table. Implementations must make every
// method atomic: session authorization and activation are check-then-act
// sequences that race with disconnect cleanup and the idle sweep.
type SessionRepository interface {
	// CreateSession inserts a Created session. Fails if a session with the
	// same id exists or another session is currently Active.
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, bool, error)
	// ActiveSession returns the single Active session, if any.
	ActiveSession(ctx context.Context) (domain.Session, bool, error)
	// Activate moves a Created session to Active. Fails if the session is
	// gone or another session won the race to Active.
	Activate(ctx context.Context, id string) error
	// Touch refreshes lastValidatedAt for the idle-timeout policy.
	Touch(ctx context.Context, id string, at time.Time) error
	// Close removes the session from the table synchronously; a request
	// arriving right after observes no session.
	Close(ctx context.Context, id string) error
	// CloseOwned removes every session owned by a connection and returns
	// the ids removed.
	CloseOwned(ctx context.Context, connectionID string) ([]string, error)
	// CloseAll empties the table (peer disconnect) and returns removed ids.
	CloseAll(ctx context.Context) ([]string, error)
	// CloseIdle removes sessions not validated since the cutoff.
	CloseIdle(ctx context.Context, cutoff time.Time) ([]string, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
}
