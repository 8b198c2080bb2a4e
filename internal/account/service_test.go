package account

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"stepline.social/internal/mail"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeBreachChecker struct {
	hit bool
	err error
}

func (f *fakeBreachChecker) Compromised(context.Context, string) (bool, error) {
	return f.hit, f.err
}

func newTestService(t *testing.T, extra ...ServiceOption) (*Service, *mail.CaptureMailer, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mailer := mail.NewCapture()
	tokens, err := NewTokenIssuer([]byte("test-secret"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	opts := append([]ServiceOption{
		WithMailer(mailer),
		WithServiceClock(clock.Now),
		WithLockoutPolicy(3, 5*time.Minute),
	}, extra...)
	svc, err := NewService(NewMemoryStore(), tokens, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, mailer, clock
}

func mustRegister(t *testing.T, svc *Service, mailer *mail.CaptureMailer, email, username, password string) *AuthResult {
	t.Helper()
	ctx := context.Background()
	err := svc.RegisterStart(ctx, RegisterStartParams{
		Email:    email,
		Username: username,
		Password: password,
	})
	if err != nil {
		t.Fatalf("register start: %v", err)
	}
	msg, ok := mailer.Last()
	if !ok || msg.Kind != "verification" {
		t.Fatalf("expected verification mail, got %+v", msg)
	}
	res, err := svc.RegisterVerify(ctx, email, msg.Value, "10.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("register verify: %v", err)
	}
	return res
}

func TestRegisterFlow(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()

	err := svc.RegisterStart(ctx, RegisterStartParams{
		Email:    "Alice@Example.com",
		Username: "alice123",
		Password: "Str0ngP@ss!",
	})
	if err != nil {
		t.Fatalf("register start: %v", err)
	}
	msg, ok := mailer.Last()
	if !ok {
		t.Fatal("no mail captured")
	}
	if msg.To != "alice@example.com" {
		t.Fatalf("mail sent to %q, want normalized address", msg.To)
	}

	// A wrong code increments the attempt counter and reports IncorrectCode.
	wrong := "000000"
	if wrong == msg.Value {
		wrong = "000001"
	}
	_, err = svc.RegisterVerify(ctx, "alice@example.com", wrong, "", "")
	if !errors.Is(err, ErrIncorrectCode) {
		t.Fatalf("expected ErrIncorrectCode, got %v", err)
	}

	// The correct code still succeeds afterwards.
	res, err := svc.RegisterVerify(ctx, "alice@example.com", msg.Value, "", "")
	if err != nil {
		t.Fatalf("verify after one miss: %v", err)
	}
	if res.User.Username != "alice123" || res.User.Email != "alice@example.com" {
		t.Fatalf("unexpected user %+v", res.User)
	}
	if res.User.EmailVerifiedAt == nil {
		t.Fatal("expected emailVerifiedAt to be set")
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatal("expected a full token pair")
	}

	// The draft is gone once promoted.
	_, err = svc.RegisterVerify(ctx, "alice@example.com", msg.Value, "", "")
	if !errors.Is(err, ErrDraftNotFound) {
		t.Fatalf("expected ErrDraftNotFound after promotion, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.RegisterStart(context.Background(), RegisterStartParams{
		Email:    "not-an-email",
		Username: "x",
		Password: "short",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"email", "username", "password"} {
		if verr.Fields[field] == "" {
			t.Fatalf("expected complaint about %s, got %+v", field, verr.Fields)
		}
	}
}

func TestRegisterConflict(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	mustRegister(t, svc, mailer, "alice@example.com", "alice123", "Str0ngP@ss!")

	err := svc.RegisterStart(context.Background(), RegisterStartParams{
		Email:    "alice@example.com",
		Username: "someoneelse",
		Password: "Str0ngP@ss!",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate email, got %v", err)
	}

	// Username collisions are case-insensitive.
	err = svc.RegisterStart(context.Background(), RegisterStartParams{
		Email:    "bob@example.com",
		Username: "ALICE123",
		Password: "Str0ngP@ss!",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate username, got %v", err)
	}
}

func TestRegisterDeliveryFailed(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	mailer.Fail = errors.New("smtp down")

	err := svc.RegisterStart(context.Background(), RegisterStartParams{
		Email:    "alice@example.com",
		Username: "alice123",
		Password: "Str0ngP@ss!",
	})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	// The draft survives, so an immediate retry overwrites it cleanly.
	mailer.Fail = nil
	if err := svc.RegisterStart(context.Background(), RegisterStartParams{
		Email:    "alice@example.com",
		Username: "alice123",
		Password: "Str0ngP@ss!",
	}); err != nil {
		t.Fatalf("retry after delivery failure: %v", err)
	}
}

func TestVerifyExpiredDraft(t *testing.T) {
	svc, mailer, clock := newTestService(t, WithVerification(10*time.Minute, 5))
	ctx := context.Background()
	if err := svc.RegisterStart(ctx, RegisterStartParams{
		Email:    "alice@example.com",
		Username: "alice123",
		Password: "Str0ngP@ss!",
	}); err != nil {
		t.Fatalf("register start: %v", err)
	}
	msg, _ := mailer.Last()

	clock.Advance(11 * time.Minute)
	_, err := svc.RegisterVerify(ctx, "alice@example.com", msg.Value, "", "")
	if !errors.Is(err, ErrDraftExpired) {
		t.Fatalf("expected ErrDraftExpired, got %v", err)
	}
}

func TestVerifyAttemptsExceeded(t *testing.T) {
	svc, mailer, _ := newTestService(t, WithVerification(10*time.Minute, 2))
	ctx := context.Background()
	if err := svc.RegisterStart(ctx, RegisterStartParams{
		Email:    "alice@example.com",
		Username: "alice123",
		Password: "Str0ngP@ss!",
	}); err != nil {
		t.Fatalf("register start: %v", err)
	}
	msg, _ := mailer.Last()
	wrong := "000000"
	if wrong == msg.Value {
		wrong = "000001"
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.RegisterVerify(ctx, "alice@example.com", wrong, "", ""); !errors.Is(err, ErrIncorrectCode) {
			t.Fatalf("attempt %d: expected ErrIncorrectCode, got %v", i+1, err)
		}
	}

	// Once the ceiling is hit, even the correct code is rejected.
	if _, err := svc.RegisterVerify(ctx, "alice@example.com", msg.Value, "", ""); !errors.Is(err, ErrAttemptsExceeded) {
		t.Fatalf("expected ErrAttemptsExceeded, got %v", err)
	}

	// A fresh register-start resets the counter.
	if err := svc.RegisterStart(ctx, RegisterStartParams{
		Email:    "alice@example.com",
		Username: "alice123",
		Password: "Str0ngP@ss!",
	}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	msg, _ = mailer.Last()
	if _, err := svc.RegisterVerify(ctx, "alice@example.com", msg.Value, "", ""); err != nil {
		t.Fatalf("verify after fresh draft: %v", err)
	}
}

func TestLoginUnknownEmailIsGeneric(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Login(context.Background(), "ghost@example.com", "whatever1", "", "")
	var cerr *CredentialsError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CredentialsError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials identity, got %v", err)
	}
}

func TestLoginLockout(t *testing.T) {
	svc, mailer, clock := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, mailer, "alice@example.com", "alice123", "Str0ngP@ss!")

	// Threshold is 3: two misses leave attempts, the third locks.
	for i := 1; i <= 2; i++ {
		_, err := svc.Login(ctx, "alice@example.com", "wrongpass", "", "")
		var cerr *CredentialsError
		if !errors.As(err, &cerr) {
			t.Fatalf("miss %d: expected CredentialsError, got %v", i, err)
		}
		if cerr.Locked {
			t.Fatalf("miss %d: locked too early", i)
		}
		if cerr.AttemptsLeft != 3-i {
			t.Fatalf("miss %d: attemptsLeft = %d, want %d", i, cerr.AttemptsLeft, 3-i)
		}
	}

	_, err := svc.Login(ctx, "alice@example.com", "wrongpass", "", "")
	var cerr *CredentialsError
	if !errors.As(err, &cerr) || !cerr.Locked {
		t.Fatalf("expected locking failure, got %v", err)
	}
	if !cerr.UnlockAt.After(clock.Now()) {
		t.Fatalf("unlockAt %v not in the future", cerr.UnlockAt)
	}

	// While locked, even the correct password is rejected and the counter is
	// untouched.
	_, err = svc.Login(ctx, "alice@example.com", "Str0ngP@ss!", "", "")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked during lockout, got %v", err)
	}

	// After the lock expires, login is evaluated normally again.
	clock.Advance(6 * time.Minute)
	if _, err := svc.Login(ctx, "alice@example.com", "Str0ngP@ss!", "", ""); err != nil {
		t.Fatalf("login after lock expiry: %v", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()
	res := mustRegister(t, svc, mailer, "alice@example.com", "alice123", "Str0ngP@ss!")

	first := res.RefreshToken
	rotated, err := svc.Refresh(ctx, first, "", "")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == first {
		t.Fatal("rotation must change the token value")
	}

	// The consumed token is dead.
	if _, err := svc.Refresh(ctx, first, "", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for reused token, got %v", err)
	}

	// The rotated token still works.
	if _, err := svc.Refresh(ctx, rotated.RefreshToken, "", ""); err != nil {
		t.Fatalf("refresh with rotated token: %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()
	res := mustRegister(t, svc, mailer, "alice@example.com", "alice123", "Str0ngP@ss!")

	const callers = 8
	var (
		wg      sync.WaitGroup
		winners = make(chan struct{}, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Refresh(ctx, res.RefreshToken, "", ""); err == nil {
				winners <- struct{}{}
			} else if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("caller %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var n int
	for range winners {
		n++
	}
	if n != 1 {
		t.Fatalf("expected exactly one winning rotation, got %d", n)
	}
}

func TestLogoutIdempotent(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()
	res := mustRegister(t, svc, mailer, "alice@example.com", "alice123", "Str0ngP@ss!")

	if err := svc.Logout(ctx, res.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := svc.Logout(ctx, res.RefreshToken); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if err := svc.Logout(ctx, "never-issued"); err != nil {
		t.Fatalf("logout unknown token: %v", err)
	}
	if _, err := svc.Refresh(ctx, res.RefreshToken, "", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked token to be unusable, got %v", err)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()
	res := mustRegister(t, svc, mailer, "alice@example.com", "alice123", "Str0ngP@ss!")
	if _, err := svc.Login(ctx, "alice@example.com", "Str0ngP@ss!", "", ""); err != nil {
		t.Fatalf("second login: %v", err)
	}

	sessions, err := svc.ActiveSessions(ctx, res.User.ID)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(sessions))
	}

	if err := svc.LogoutAll(ctx, res.User.ID); err != nil {
		t.Fatalf("logout all: %v", err)
	}
	sessions, err = svc.ActiveSessions(ctx, res.User.ID)
	if err != nil {
		t.Fatalf("sessions after logout-all: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(sessions))
	}
}

func TestForgotUnknownEmailStaysSilent(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	svc.ForgotPassword(context.Background(), "ghost@example.com")
	if msgs := mailer.Messages(); len(msgs) != 0 {
		t.Fatalf("expected no mail for unknown address, got %d", len(msgs))
	}
}

func TestPasswordResetFlow(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()
	res := mustRegister(t, svc, mailer, "alice@example.com", "alice123", "Str0ngP@ss!")

	svc.ForgotPassword(ctx, "alice@example.com")
	msg, ok := mailer.Last()
	if !ok || msg.Kind != "reset" {
		t.Fatalf("expected reset mail, got %+v", msg)
	}

	// The new password must differ from the current one.
	if err := svc.ResetPassword(ctx, msg.Value, "Str0ngP@ss!"); !errors.Is(err, ErrSamePassword) {
		t.Fatalf("expected ErrSamePassword, got %v", err)
	}

	if err := svc.ResetPassword(ctx, msg.Value, "N3wP@ssword!"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	// Reset revokes every refresh session.
	if _, err := svc.Refresh(ctx, res.RefreshToken, "", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked session after reset, got %v", err)
	}

	// The ticket is single use.
	if err := svc.ResetPassword(ctx, msg.Value, "An0therP@ss!"); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expected ErrTicketInvalid on reuse, got %v", err)
	}

	// Old password is dead, new one works.
	if _, err := svc.Login(ctx, "alice@example.com", "Str0ngP@ss!", "", ""); err == nil {
		t.Fatal("old password still accepted")
	}
	if _, err := svc.Login(ctx, "alice@example.com", "N3wP@ssword!", "", ""); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestResetTicketGarbage(t *testing.T) {
	svc, _, _ := newTestService(t)
	for _, token := range []string{"", "   ", "bogus"} {
		if err := svc.ResetPassword(context.Background(), token, "N3wP@ssword!"); !errors.Is(err, ErrTicketInvalid) {
			t.Fatalf("token %q: expected ErrTicketInvalid, got %v", token, err)
		}
	}
}

func TestBreachedPasswordRejected(t *testing.T) {
	svc, _, _ := newTestService(t, WithBreachChecker(&fakeBreachChecker{hit: true}))
	err := svc.RegisterStart(context.Background(), RegisterStartParams{
		Email:    "alice@example.com",
		Username: "alice123",
		Password: "Str0ngP@ss!",
	})
	if !errors.Is(err, ErrBreachedPassword) {
		t.Fatalf("expected ErrBreachedPassword, got %v", err)
	}
}

func TestBreachLookupFailureFailsOpen(t *testing.T) {
	svc, mailer, _ := newTestService(t, WithBreachChecker(&fakeBreachChecker{err: errors.New("corpus down")}))
	mustRegister(t, svc, mailer, "alice@example.com", "alice123", "Str0ngP@ss!")
}

func TestSweepPurgesExpiredDrafts(t *testing.T) {
	svc, _, clock := newTestService(t, WithVerification(10*time.Minute, 5))
	ctx := context.Background()
	if err := svc.RegisterStart(ctx, RegisterStartParams{
		Email:    "alice@example.com",
		Username: "alice123",
		Password: "Str0ngP@ss!",
	}); err != nil {
		t.Fatalf("register start: %v", err)
	}

	clock.Advance(time.Hour)
	svc.Sweep(ctx, 24*time.Hour)

	_, err := svc.RegisterVerify(ctx, "alice@example.com", "123456", "", "")
	if !errors.Is(err, ErrDraftNotFound) {
		t.Fatalf("expected ErrDraftNotFound after sweep, got %v", err)
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Alice@EXAMPLE.com "); got != "alice@example.com" {
		t.Fatalf("normalize = %q", got)
	}
	if !strings.Contains(NormalizeEmail("a@b.co"), "@") {
		t.Fatal("normalization must preserve the address")
	}
}
