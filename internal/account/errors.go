package account

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("account: not found")
	ErrConflict           = errors.New("account: already exists")
	ErrInvalidInput       = errors.New("account: invalid input")
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	ErrLocked             = errors.New("account: temporarily locked")
	ErrInvalidToken       = errors.New("account: invalid token")

	ErrDraftNotFound    = errors.New("account: verification draft not found")
	ErrDraftExpired     = errors.New("account: verification draft expired")
	ErrAttemptsExceeded = errors.New("account: verification attempts exceeded")
	ErrIncorrectCode    = errors.New("account: incorrect verification code")

	ErrDeliveryFailed   = errors.New("account: email delivery failed")
	ErrBreachedPassword = errors.New("account: password found in breach corpus")
	ErrSamePassword     = errors.New("account: new password equals current password")
	ErrTicketInvalid    = errors.New("account: reset ticket invalid or expired")
)

// LockedError carries the lock deadline alongside ErrLocked so the HTTP layer
// can render a countdown without another store round trip.
type LockedError struct {
	UnlockAt time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account: locked until %s", e.UnlockAt.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// CredentialsError is returned on a failed password check. AttemptsLeft is the
// number of tries remaining before lockout; when the failed attempt itself
// triggered the lock, Locked is true and UnlockAt is set.
type CredentialsError struct {
	AttemptsLeft int
	Locked       bool
	UnlockAt     time.Time
}

func (e *CredentialsError) Error() string { return "account: invalid credentials" }

func (e *CredentialsError) Is(target error) bool {
	if target == ErrInvalidCredentials {
		return true
	}
	return e.Locked && target == ErrLocked
}

// ValidationError reports per-field input problems for legitimate client-side
// form correction. It never wraps enumeration-sensitive failures.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "account: invalid input" }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

func newValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}
