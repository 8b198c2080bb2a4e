package account

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"path"
	"regexp"
	"strings"
	"time"

	"stepline.social/internal/ids"
	"stepline.social/internal/obs"
)

const (
	defaultRefreshTTL       = 30 * 24 * time.Hour
	defaultVerifyTTL        = 10 * time.Minute
	defaultVerifyAttempts   = 5
	defaultLockoutThreshold = 4
	defaultLockoutDuration  = 5 * time.Minute
	defaultResetTicketTTL   = time.Hour
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_.]{3,30}$`)

// Service orchestrates the account lifecycle: registration drafts, login with
// lockout, token issuance, refresh rotation, and password reset. It is a
// stateless request handler over Store; persistence is the source of truth.
type Service struct {
	store  Store
	tokens *TokenIssuer
	now    func() time.Time

	mailer Mailer
	media  MediaStore
	events EventPublisher
	breach BreachChecker

	refreshTTL       time.Duration
	verifyTTL        time.Duration
	verifyAttempts   int
	lockoutThreshold int
	lockoutDuration  time.Duration
	resetTicketTTL   time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithMailer sets the outbound mail dispatcher.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) { s.mailer = m }
}

// WithMedia sets the avatar object store. Without one, avatar uploads are
// rejected as invalid input.
func WithMedia(m MediaStore) ServiceOption {
	return func(s *Service) { s.media = m }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(p EventPublisher) ServiceOption {
	return func(s *Service) { s.events = p }
}

// WithBreachChecker enables breached-password rejection.
func WithBreachChecker(c BreachChecker) ServiceOption {
	return func(s *Service) { s.breach = c }
}

// WithRefreshTTL configures refresh session lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithVerification configures the draft code TTL and attempt ceiling.
func WithVerification(ttl time.Duration, maxAttempts int) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.verifyTTL = ttl
		}
		if maxAttempts > 0 {
			s.verifyAttempts = maxAttempts
		}
	}
}

// WithLockoutPolicy configures the failed-login threshold and lock duration.
func WithLockoutPolicy(threshold int, duration time.Duration) ServiceOption {
	return func(s *Service) {
		if threshold > 0 {
			s.lockoutThreshold = threshold
		}
		if duration > 0 {
			s.lockoutDuration = duration
		}
	}
}

// WithResetTicketTTL configures password reset ticket lifetime.
func WithResetTicketTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTicketTTL = ttl
		}
	}
}

// WithServiceClock overrides the time source (useful for tests).
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the session gateway.
func NewService(store Store, tokens *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("account: store is required")
	}
	if tokens == nil {
		return nil, errors.New("account: token issuer is required")
	}
	s := &Service{
		store:            store,
		tokens:           tokens,
		now:              time.Now,
		refreshTTL:       defaultRefreshTTL,
		verifyTTL:        defaultVerifyTTL,
		verifyAttempts:   defaultVerifyAttempts,
		lockoutThreshold: defaultLockoutThreshold,
		lockoutDuration:  defaultLockoutDuration,
		resetTicketTTL:   defaultResetTicketTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RefreshTTL exposes the configured refresh lifetime for cookie max-age.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// NormalizeEmail lowers and trims an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RegisterStartParams is the register-start input. Avatar is optional; when
// Avatar is non-nil the file is uploaded before the draft is written and its
// object key travels inside the draft payload.
type RegisterStartParams struct {
	Email    string
	Username string
	Password string

	Avatar            io.Reader
	AvatarSize        int64
	AvatarFilename    string
	AvatarContentType string
}

// RegisterStart validates input, stages a verification draft, and emails a
// one-time code. Resubmitting the same email overwrites the prior draft and
// resets its attempt counter, which makes retry after a delivery failure
// idempotent-by-overwrite.
func (s *Service) RegisterStart(ctx context.Context, p RegisterStartParams) error {
	email := NormalizeEmail(p.Email)
	username := strings.TrimSpace(p.Username)

	if err := validateRegistration(email, username, p.Password); err != nil {
		return err
	}
	if err := s.rejectTakenIdentity(ctx, email, username); err != nil {
		return err
	}
	if err := s.rejectBreachedPassword(ctx, p.Password); err != nil {
		return err
	}

	hash, err := HashPassword(p.Password)
	if err != nil {
		return err
	}

	avatarRef := ""
	if p.Avatar != nil {
		if s.media == nil {
			verr := newValidationError()
			verr.Fields["avatar"] = "avatar uploads are not available"
			return verr
		}
		avatarRef = "avatars/" + ids.New() + strings.ToLower(path.Ext(p.AvatarFilename))
		if err := s.media.Upload(ctx, avatarRef, p.Avatar, p.AvatarSize, p.AvatarContentType); err != nil {
			return fmt.Errorf("account: avatar upload: %w", err)
		}
	}

	code, err := NewVerificationCode()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	draft := &VerificationDraft{
		Email:       email,
		CodeHash:    HashToken(code),
		ExpiresAt:   now.Add(s.verifyTTL),
		MaxAttempts: s.verifyAttempts,
		Payload: DraftPayload{
			Username:     username,
			PasswordHash: hash,
			AvatarRef:    avatarRef,
		},
		CreatedAt: now,
	}
	if err := s.store.Drafts().Upsert(ctx, draft); err != nil {
		return err
	}
	obs.DraftsTotal.WithLabelValues("created").Inc()

	if s.mailer == nil {
		return ErrDeliveryFailed
	}
	if err := s.mailer.SendVerificationCode(ctx, email, code); err != nil {
		obs.Log(map[string]any{
			"ts":    now.Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "verification_mail_failed",
			"email": email,
		})
		return ErrDeliveryFailed
	}
	return nil
}

// RegisterVerify consumes the draft code and, on success, promotes the draft
// into a credential record and issues a token pair.
func (s *Service) RegisterVerify(ctx context.Context, email, code, ip, userAgent string) (*AuthResult, error) {
	email = NormalizeEmail(email)
	now := s.now().UTC()

	draft, err := s.store.Drafts().Find(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrDraftNotFound
		}
		return nil, err
	}
	if now.After(draft.ExpiresAt) {
		obs.DraftsTotal.WithLabelValues("expired").Inc()
		return nil, ErrDraftExpired
	}
	if draft.Attempts >= draft.MaxAttempts {
		obs.DraftsTotal.WithLabelValues("exhausted").Inc()
		return nil, ErrAttemptsExceeded
	}
	if HashToken(strings.TrimSpace(code)) != draft.CodeHash {
		if err := s.store.Drafts().IncrementAttempt(ctx, email); err != nil {
			return nil, err
		}
		return nil, ErrIncorrectCode
	}

	// Uniqueness may have been lost since the draft was written; re-check and
	// let the unique index have the final word.
	if err := s.rejectTakenIdentity(ctx, email, draft.Payload.Username); err != nil {
		return nil, err
	}

	verifiedAt := now
	user := &User{
		ID:              ids.New(),
		Email:           email,
		Username:        draft.Payload.Username,
		PasswordHash:    draft.Payload.PasswordHash,
		AvatarRef:       draft.Payload.AvatarRef,
		EmailVerifiedAt: &verifiedAt,
		CreatedAt:       now,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	if err := s.store.Drafts().Delete(ctx, email); err != nil {
		return nil, err
	}
	obs.DraftsTotal.WithLabelValues("promoted").Inc()

	res, err := s.issueFor(ctx, user, ip, userAgent)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, EventRegistered, user)
	return res, nil
}

// Login authenticates an email/password pair. Absent account and wrong
// password produce the same generic failure; a locked account short-circuits
// before the password is examined and does not touch the counter.
func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (*AuthResult, error) {
	email = NormalizeEmail(email)
	now := s.now().UTC()

	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn a hash comparison so the miss costs roughly what a
			// wrong password costs.
			_ = VerifyPassword(phantomHash, password)
			obs.LoginsTotal.WithLabelValues("invalid").Inc()
			return nil, &CredentialsError{AttemptsLeft: s.lockoutThreshold}
		}
		return nil, err
	}

	if user.Locked(now) {
		obs.LoginsTotal.WithLabelValues("locked").Inc()
		return nil, &LockedError{UnlockAt: user.LockedUntil.UTC()}
	}

	if VerifyPassword(user.PasswordHash, password) != nil {
		penalty, perr := s.store.Users().RecordFailedLogin(ctx, user.ID, s.lockoutThreshold, now.Add(s.lockoutDuration))
		if perr != nil {
			return nil, perr
		}
		obs.LoginsTotal.WithLabelValues("invalid").Inc()
		if penalty.Locked {
			obs.LockoutsTotal.Inc()
			s.publish(ctx, EventLocked, user)
			return nil, &CredentialsError{Locked: true, UnlockAt: penalty.UnlockAt.UTC()}
		}
		return nil, &CredentialsError{AttemptsLeft: penalty.AttemptsLeft}
	}

	if err := s.store.Users().RecordSuccessfulLogin(ctx, user.ID); err != nil {
		return nil, err
	}
	user.FailedLogins = 0
	user.LockedUntil = nil

	res, err := s.issueFor(ctx, user, ip, userAgent)
	if err != nil {
		return nil, err
	}
	obs.LoginsTotal.WithLabelValues("success").Inc()
	s.publish(ctx, EventLoggedIn, user)
	return res, nil
}

// Refresh rotates the presented refresh token and mints a new access token.
// A missing, expired, revoked, or already-rotated token fails with
// ErrInvalidToken; reuse after rotation is counted as theft signal.
func (s *Service) Refresh(ctx context.Context, rawToken, ip, userAgent string) (*AuthResult, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, ErrInvalidToken
	}
	now := s.now().UTC()
	oldHash := HashToken(rawToken)

	session, err := s.store.Sessions().FindByHash(ctx, oldHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !session.Active(now) {
		if session.RevokedAt != nil {
			obs.RefreshReuseTotal.Inc()
		}
		return nil, ErrInvalidToken
	}

	user, err := s.store.Users().Find(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	rawNext := NewRefreshValue()
	next := &RefreshSession{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: HashToken(rawNext),
		ExpiresAt: now.Add(s.refreshTTL),
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: now,
	}
	if err := s.store.Sessions().Rotate(ctx, oldHash, next); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Lost the race against a concurrent rotation of the same token.
			obs.RefreshReuseTotal.Inc()
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	obs.RefreshRotationsTotal.Inc()

	access, accessExp, err := s.tokens.IssueAccessToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     rawNext,
		RefreshExpiresAt: next.ExpiresAt,
		User:             user,
	}, nil
}

// Logout revokes the session matching the presented token. Unknown or
// already-revoked tokens succeed: logout is idempotent.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil
	}
	err := s.store.Sessions().Revoke(ctx, HashToken(rawToken))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// LogoutAll revokes every active session of the user.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	_, err := s.store.Sessions().RevokeAll(ctx, userID)
	if err != nil {
		return err
	}
	s.publish(ctx, EventLoggedOut, &User{ID: userID})
	return nil
}

// UserByID loads a credential record for the /auth/me projection.
func (s *Service) UserByID(ctx context.Context, id string) (*User, error) {
	return s.store.Users().Find(ctx, id)
}

// ActiveSessions lists the caller's rotatable sessions, newest first.
func (s *Service) ActiveSessions(ctx context.Context, userID string) ([]*RefreshSession, error) {
	return s.store.Sessions().ListActive(ctx, userID, s.now().UTC())
}

// ForgotPassword stages a reset ticket and emails its token. The outcome is
// indistinguishable to the caller whether or not the email exists; internal
// failures are logged, never surfaced.
func (s *Service) ForgotPassword(ctx context.Context, email string) {
	email = NormalizeEmail(email)
	now := s.now().UTC()

	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logInternal(now, "forgot_lookup_failed")
		}
		return
	}

	raw := NewRefreshValue()
	ticket := &ResetTicket{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: HashToken(raw),
		ExpiresAt: now.Add(s.resetTicketTTL),
		CreatedAt: now,
	}
	if err := s.store.Tickets().Create(ctx, ticket); err != nil {
		s.logInternal(now, "reset_ticket_create_failed")
		return
	}
	if s.mailer == nil {
		s.logInternal(now, "reset_mail_unconfigured")
		return
	}
	if err := s.mailer.SendPasswordReset(ctx, email, raw); err != nil {
		s.logInternal(now, "reset_mail_failed")
	}
}

// ResetPassword consumes a reset ticket: the password change, the session
// purge, and the ticket burn land in one transaction.
func (s *Service) ResetPassword(ctx context.Context, rawTicket, newPassword string) error {
	rawTicket = strings.TrimSpace(rawTicket)
	if rawTicket == "" {
		return ErrTicketInvalid
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	now := s.now().UTC()
	hash := HashToken(rawTicket)

	ticket, err := s.store.Tickets().FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTicketInvalid
		}
		return err
	}
	if ticket.UsedAt != nil || now.After(ticket.ExpiresAt) {
		return ErrTicketInvalid
	}

	user, err := s.store.Users().Find(ctx, ticket.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTicketInvalid
		}
		return err
	}
	if VerifyPassword(user.PasswordHash, newPassword) == nil {
		return ErrSamePassword
	}
	if err := s.rejectBreachedPassword(ctx, newPassword); err != nil {
		return err
	}

	newHash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	userID, err := s.store.Tickets().Consume(ctx, hash, newHash, now)
	if err != nil {
		return err
	}
	s.publish(ctx, EventPasswordReset, &User{ID: userID, Username: user.Username})
	return nil
}

// Sweep runs one garbage-collection pass over expired drafts, dead refresh
// sessions, and dead reset tickets. Sessions and tickets are retained for a
// window past expiry/revocation for audit before deletion.
func (s *Service) Sweep(ctx context.Context, retention time.Duration) {
	now := s.now().UTC()
	cutoff := now.Add(-retention)

	if n, err := s.store.Drafts().DeleteExpired(ctx, now); err == nil && n > 0 {
		obs.SweeperDeletedTotal.WithLabelValues("draft").Add(float64(n))
	}
	if n, err := s.store.Sessions().DeleteDead(ctx, cutoff); err == nil && n > 0 {
		obs.SweeperDeletedTotal.WithLabelValues("session").Add(float64(n))
	}
	if n, err := s.store.Tickets().DeleteDead(ctx, cutoff); err == nil && n > 0 {
		obs.SweeperDeletedTotal.WithLabelValues("ticket").Add(float64(n))
	}
}

// RunSweeper loops Sweep until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, retention)
		}
	}
}

// PublicUser builds the client-visible projection, resolving the avatar
// object key to a URL when a media store is configured.
func (s *Service) PublicUser(u *User) PublicUser {
	pub := PublicUser{
		ID:          u.ID,
		Email:       u.Email,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	}
	if u.AvatarRef != "" && s.media != nil {
		pub.AvatarURL = s.media.PublicURL(u.AvatarRef)
	}
	return pub
}

// --- helpers --------------------------------------------------------------

// phantomHash is a bcrypt digest of an unguessable throwaway value, compared
// against when the account does not exist to level response timing.
var phantomHash = func() string {
	h, err := HashPassword(NewRefreshValue())
	if err != nil {
		return ""
	}
	return h
}()

func (s *Service) issueFor(ctx context.Context, user *User, ip, userAgent string) (*AuthResult, error) {
	now := s.now().UTC()
	access, accessExp, err := s.tokens.IssueAccessToken(user.ID)
	if err != nil {
		return nil, err
	}
	raw := NewRefreshValue()
	session := &RefreshSession{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: HashToken(raw),
		ExpiresAt: now.Add(s.refreshTTL),
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: now,
	}
	if err := s.store.Sessions().Create(ctx, session); err != nil {
		return nil, err
	}
	return &AuthResult{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     raw,
		RefreshExpiresAt: session.ExpiresAt,
		User:             user,
	}, nil
}

func (s *Service) rejectTakenIdentity(ctx context.Context, email, username string) error {
	if _, err := s.store.Users().FindByEmail(ctx, email); err == nil {
		return ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := s.store.Users().FindByUsername(ctx, username); err == nil {
		return ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *Service) rejectBreachedPassword(ctx context.Context, password string) error {
	if s.breach == nil {
		return nil
	}
	hit, err := s.breach.Compromised(ctx, password)
	if err != nil {
		// Availability of the external corpus must not block registration.
		s.logInternal(s.now().UTC(), "breach_lookup_failed")
		return nil
	}
	if hit {
		return ErrBreachedPassword
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, user *User) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, Event{
		Type:       eventType,
		UserID:     user.ID,
		Username:   user.Username,
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		s.logInternal(s.now().UTC(), "event_publish_failed")
	}
}

func (s *Service) logInternal(now time.Time, msg string) {
	obs.Log(map[string]any{
		"ts":    now.Format(time.RFC3339Nano),
		"level": "error",
		"msg":   msg,
	})
}

func validateRegistration(email, username, password string) error {
	verr := newValidationError()
	if _, err := mail.ParseAddress(email); err != nil || len(email) > 254 {
		verr.Fields["email"] = "must be a valid email address"
	}
	if !usernameRe.MatchString(username) {
		verr.Fields["username"] = "must be 3-30 characters: letters, digits, underscore, dot"
	}
	if err := validatePassword(password); err != nil {
		var pv *ValidationError
		if errors.As(err, &pv) {
			verr.Fields["password"] = pv.Fields["password"]
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func validatePassword(password string) error {
	verr := newValidationError()
	switch {
	case len(password) < 8:
		verr.Fields["password"] = "must be at least 8 characters"
	case len(password) > 72:
		verr.Fields["password"] = "must be at most 72 characters"
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}
