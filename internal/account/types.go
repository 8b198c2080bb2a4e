package account

import "time"

// User is a verified credential record. PasswordHash never leaves the service
// boundary; handlers serialize PublicUser instead.
type User struct {
	ID              string
	Email           string
	Username        string
	DisplayName     string
	PasswordHash    string
	AvatarRef       string
	FailedLogins    int
	LockedUntil     *time.Time
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
}

// Locked reports whether the account is under a login lockout at the given time.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// PublicUser is the client-visible projection of a User.
type PublicUser struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DraftPayload is the registration data held until email verification
// succeeds. Modeled as an explicit structure so draft promotion cannot
// silently drop a required field.
type DraftPayload struct {
	Username     string
	PasswordHash string
	AvatarRef    string
}

// VerificationDraft is a pending registration keyed by normalized email.
// At most one draft exists per email; re-registration overwrites it.
type VerificationDraft struct {
	Email       string
	CodeHash    string
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
	Payload     DraftPayload
	CreatedAt   time.Time
}

// RefreshSession backs one opaque refresh token. Only the SHA-256 digest of
// the token is stored; the raw value lives in the client cookie alone.
type RefreshSession struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	IP        string
	UserAgent string
	CreatedAt time.Time
}

// Active reports whether the session can still be rotated at the given time.
func (s *RefreshSession) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// ResetTicket is a single-use password reset credential, hash-only storage
// like RefreshSession.
type ResetTicket struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// LoginPenalty is the outcome of recording a failed login attempt.
type LoginPenalty struct {
	Locked       bool
	AttemptsLeft int
	UnlockAt     time.Time
}

// AuthResult bundles the credentials issued after a successful
// verification, login, or refresh.
type AuthResult struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	User             *User
}

// Event is an account lifecycle notification for downstream consumers
// (feed, messaging, moderation). Payloads carry no secrets.
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Lifecycle event types.
const (
	EventRegistered    = "account.registered"
	EventLoggedIn      = "account.logged_in"
	EventLocked        = "account.locked"
	EventLoggedOut     = "account.logged_out"
	EventPasswordReset = "account.password_reset"
)
