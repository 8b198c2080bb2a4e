package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGCreateUserConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	err := store.Users().Create(context.Background(), &User{
		ID:        "u1",
		Email:     "alice@example.com",
		Username:  "alice123",
		CreatedAt: time.Now(),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGRecordFailedLoginLocks(t *testing.T) {
	store, mock := newMockStore(t)
	unlockAt := time.Now().Add(5 * time.Minute).UTC()

	// Reaching the threshold resets the counter and returns the deadline.
	mock.ExpectQuery(`UPDATE users SET`).
		WithArgs("u1", 4, unlockAt).
		WillReturnRows(sqlmock.NewRows([]string{"failed_logins", "locked_until"}).
			AddRow(0, unlockAt))

	penalty, err := store.Users().RecordFailedLogin(context.Background(), "u1", 4, unlockAt)
	if err != nil {
		t.Fatalf("record failed login: %v", err)
	}
	if !penalty.Locked {
		t.Fatal("expected lock")
	}
	if !penalty.UnlockAt.Equal(unlockAt) {
		t.Fatalf("unlockAt = %v, want %v", penalty.UnlockAt, unlockAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGRecordFailedLoginCountsDown(t *testing.T) {
	store, mock := newMockStore(t)
	unlockAt := time.Now().Add(5 * time.Minute).UTC()

	mock.ExpectQuery(`UPDATE users SET`).
		WillReturnRows(sqlmock.NewRows([]string{"failed_logins", "locked_until"}).
			AddRow(2, nil))

	penalty, err := store.Users().RecordFailedLogin(context.Background(), "u1", 4, unlockAt)
	if err != nil {
		t.Fatalf("record failed login: %v", err)
	}
	if penalty.Locked {
		t.Fatal("unexpected lock")
	}
	if penalty.AttemptsLeft != 2 {
		t.Fatalf("attemptsLeft = %d, want 2", penalty.AttemptsLeft)
	}
}

func TestPGRotateHappyPath(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	next := &RefreshSession{
		ID:        "s2",
		UserID:    "u1",
		TokenHash: "newhash",
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE refresh_sessions SET revoked_at`).
		WithArgs("oldhash", next.CreatedAt).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectExec(`INSERT INTO refresh_sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Sessions().Rotate(context.Background(), "oldhash", next); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGRotateLoserRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE refresh_sessions SET revoked_at`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectRollback()

	err := store.Sessions().Rotate(context.Background(), "oldhash", &RefreshSession{
		ID:        "s2",
		TokenHash: "newhash",
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for already-rotated token, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGConsumeTicketAtomic(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE reset_tickets SET used_at`).
		WithArgs("tickethash", now).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectExec(`UPDATE users SET password_hash`).
		WithArgs("u1", "newhash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE refresh_sessions SET revoked_at`).
		WithArgs("u1", now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	userID, err := store.Tickets().Consume(context.Background(), "tickethash", "newhash", now)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("userID = %q", userID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGConsumeDeadTicket(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE reset_tickets SET used_at`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectRollback()

	_, err := store.Tickets().Consume(context.Background(), "tickethash", "newhash", now)
	if !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expected ErrTicketInvalid, got %v", err)
	}
}

func TestPGFindUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM users WHERE email`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "username", "display_name", "password_hash", "avatar_ref",
			"failed_logins", "locked_until", "email_verified_at", "created_at",
		}))

	_, err := store.Users().FindByEmail(context.Background(), "ghost@example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
