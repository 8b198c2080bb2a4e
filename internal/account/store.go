package account

import (
	"context"
	"io"
	"time"
)

// Store describes persistence required by the account subsystem.
type Store interface {
	Users() UserStore
	Drafts() DraftStore
	Sessions() SessionStore
	Tickets() TicketStore
	Close() error
}

// UserStore manages credential records.
type UserStore interface {
	// Create inserts a verified user. Duplicate email or username yields
	// ErrConflict, including the race where the duplicate appears between a
	// uniqueness pre-check and the insert.
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	// RecordFailedLogin atomically increments the failure counter. Reaching
	// threshold resets the counter to zero and sets the lock deadline.
	RecordFailedLogin(ctx context.Context, id string, threshold int, unlockAt time.Time) (LoginPenalty, error)
	// RecordSuccessfulLogin clears the failure counter and any lock.
	RecordSuccessfulLogin(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// DraftStore manages verification drafts, keyed by normalized email.
type DraftStore interface {
	// Upsert creates or replaces the draft for its email and resets attempts.
	Upsert(ctx context.Context, d *VerificationDraft) error
	Find(ctx context.Context, email string) (*VerificationDraft, error)
	IncrementAttempt(ctx context.Context, email string) error
	Delete(ctx context.Context, email string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore manages refresh sessions.
type SessionStore interface {
	Create(ctx context.Context, s *RefreshSession) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshSession, error)
	// Revoke marks the session revoked. Revoking an already-revoked or
	// missing session returns ErrNotFound; logout treats that as success.
	Revoke(ctx context.Context, tokenHash string) error
	RevokeAll(ctx context.Context, userID string) (int64, error)
	// Rotate atomically revokes the session identified by oldHash and inserts
	// next. If the old session is already revoked, expired, or missing, no
	// insert happens and ErrNotFound is returned: concurrent rotations of the
	// same token admit exactly one winner.
	Rotate(ctx context.Context, oldHash string, next *RefreshSession) error
	ListActive(ctx context.Context, userID string, now time.Time) ([]*RefreshSession, error)
	// DeleteDead removes sessions expired or revoked before cutoff.
	DeleteDead(ctx context.Context, cutoff time.Time) (int64, error)
}

// TicketStore manages password reset tickets.
type TicketStore interface {
	Create(ctx context.Context, t *ResetTicket) error
	FindByHash(ctx context.Context, tokenHash string) (*ResetTicket, error)
	// Consume atomically marks the ticket used, replaces the owner's password
	// hash, and revokes all of the owner's refresh sessions. A ticket that is
	// used, expired, or missing yields ErrTicketInvalid and no side effects.
	Consume(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (userID string, err error)
	DeleteDead(ctx context.Context, cutoff time.Time) (int64, error)
}

// Mailer dispatches outbound account email. Implementations must bound their
// own I/O; the service treats any error as ErrDeliveryFailed.
type Mailer interface {
	SendVerificationCode(ctx context.Context, to, code string) error
	SendPasswordReset(ctx context.Context, to, token string) error
}

// MediaStore persists avatar uploads on an external object host.
type MediaStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PublicURL(key string) string
}

// EventPublisher emits lifecycle events. Implementations must not block the
// request beyond their configured timeout; publish failures are logged by the
// caller, never surfaced to clients.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// BreachChecker reports whether a candidate password appears in a known
// breach corpus. Lookup errors fail open.
type BreachChecker interface {
	Compromised(ctx context.Context, password string) (bool, error)
}
