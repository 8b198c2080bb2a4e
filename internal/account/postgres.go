package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore is the PostgreSQL-backed Store. It speaks database/sql over the
// pgx stdlib driver so sqlmock-based tests can stand in for the pool.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an existing pool.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

// OpenPostgres opens and pings a pgx pool with the given limits.
func OpenPostgres(ctx context.Context, dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("account: open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("account: ping postgres: %w", err)
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) Users() UserStore       { return (*pgUsers)(s) }
func (s *PGStore) Drafts() DraftStore     { return (*pgDrafts)(s) }
func (s *PGStore) Sessions() SessionStore { return (*pgSessions)(s) }
func (s *PGStore) Tickets() TicketStore   { return (*pgTickets)(s) }
func (s *PGStore) Close() error           { return s.db.Close() }

// Ping reports pool health for readiness checks.
func (s *PGStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB exposes the underlying pool for migrations.
func (s *PGStore) DB() *sql.DB { return s.db }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// --- users ----------------------------------------------------------------

type pgUsers PGStore

const userColumns = `id, email, username, display_name, password_hash, avatar_ref,
	failed_logins, locked_until, email_verified_at, created_at`

func (s *pgUsers) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, display_name, password_hash, avatar_ref,
			failed_logins, locked_until, email_verified_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Email, u.Username, u.DisplayName, u.PasswordHash, u.AvatarRef,
		u.FailedLogins, u.LockedUntil, u.EmailVerifiedAt, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgUsers) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *pgUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (s *pgUsers) FindByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username)
	return scanUser(row)
}

func (s *pgUsers) RecordFailedLogin(ctx context.Context, id string, threshold int, unlockAt time.Time) (LoginPenalty, error) {
	// Single statement so concurrent failures cannot double-count or race
	// past the threshold.
	row := s.db.QueryRowContext(ctx, `
		UPDATE users SET
			failed_logins = CASE WHEN failed_logins + 1 >= $2 THEN 0 ELSE failed_logins + 1 END,
			locked_until  = CASE WHEN failed_logins + 1 >= $2 THEN $3 ELSE locked_until END
		WHERE id = $1
		RETURNING failed_logins, locked_until`,
		id, threshold, unlockAt,
	)
	var (
		failed int
		until  sql.NullTime
	)
	if err := row.Scan(&failed, &until); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoginPenalty{}, ErrNotFound
		}
		return LoginPenalty{}, err
	}
	if failed == 0 && until.Valid {
		return LoginPenalty{Locked: true, UnlockAt: until.Time.UTC()}, nil
	}
	return LoginPenalty{AttemptsLeft: threshold - failed}, nil
}

func (s *pgUsers) RecordSuccessfulLogin(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET failed_logins = 0, locked_until = NULL WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUsers) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, failed_logins = 0, locked_until = NULL WHERE id = $1`,
		id, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u        User
		locked   sql.NullTime
		verified sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.DisplayName, &u.PasswordHash,
		&u.AvatarRef, &u.FailedLogins, &locked, &verified, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if locked.Valid {
		t := locked.Time.UTC()
		u.LockedUntil = &t
	}
	if verified.Valid {
		t := verified.Time.UTC()
		u.EmailVerifiedAt = &t
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- drafts ---------------------------------------------------------------

type pgDrafts PGStore

func (s *pgDrafts) Upsert(ctx context.Context, d *VerificationDraft) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_drafts
			(email, code_hash, expires_at, attempts, max_attempts,
			 username, password_hash, avatar_ref, created_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $8)
		ON CONFLICT (email) DO UPDATE SET
			code_hash = EXCLUDED.code_hash,
			expires_at = EXCLUDED.expires_at,
			attempts = 0,
			max_attempts = EXCLUDED.max_attempts,
			username = EXCLUDED.username,
			password_hash = EXCLUDED.password_hash,
			avatar_ref = EXCLUDED.avatar_ref,
			created_at = EXCLUDED.created_at`,
		d.Email, d.CodeHash, d.ExpiresAt, d.MaxAttempts,
		d.Payload.Username, d.Payload.PasswordHash, d.Payload.AvatarRef, d.CreatedAt,
	)
	return err
}

func (s *pgDrafts) Find(ctx context.Context, email string) (*VerificationDraft, error) {
	var d VerificationDraft
	err := s.db.QueryRowContext(ctx, `
		SELECT email, code_hash, expires_at, attempts, max_attempts,
			username, password_hash, avatar_ref, created_at
		FROM verification_drafts WHERE email = $1`, email,
	).Scan(&d.Email, &d.CodeHash, &d.ExpiresAt, &d.Attempts, &d.MaxAttempts,
		&d.Payload.Username, &d.Payload.PasswordHash, &d.Payload.AvatarRef, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.ExpiresAt = d.ExpiresAt.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func (s *pgDrafts) IncrementAttempt(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE verification_drafts SET attempts = attempts + 1 WHERE email = $1`, email)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgDrafts) Delete(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM verification_drafts WHERE email = $1`, email)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgDrafts) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM verification_drafts WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- sessions -------------------------------------------------------------

type pgSessions PGStore

const sessionColumns = `id, user_id, token_hash, expires_at, revoked_at, ip, user_agent, created_at`

func (s *pgSessions) Create(ctx context.Context, sess *RefreshSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (id, user_id, token_hash, expires_at, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.ExpiresAt, sess.IP, sess.UserAgent, sess.CreatedAt,
	)
	return err
}

func (s *pgSessions) FindByHash(ctx context.Context, tokenHash string) (*RefreshSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM refresh_sessions WHERE token_hash = $1`, tokenHash)
	return scanSession(row)
}

func (s *pgSessions) Revoke(ctx context.Context, tokenHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_sessions SET revoked_at = now() WHERE token_hash = $1 AND revoked_at IS NULL`,
		tokenHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgSessions) RevokeAll(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`,
		userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *pgSessions) Rotate(ctx context.Context, oldHash string, next *RefreshSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The conditional update admits exactly one winner for a given token;
	// the loser sees zero rows and the whole rotation rolls back.
	var userID string
	err = tx.QueryRowContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2
		RETURNING user_id`,
		oldHash, next.CreatedAt,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refresh_sessions (id, user_id, token_hash, expires_at, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		next.ID, next.UserID, next.TokenHash, next.ExpiresAt, next.IP, next.UserAgent, next.CreatedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgSessions) ListActive(ctx context.Context, userID string, now time.Time) ([]*RefreshSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM refresh_sessions
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC`,
		userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RefreshSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *pgSessions) DeleteDead(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_sessions WHERE expires_at < $1 OR revoked_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSession(row rowScanner) (*RefreshSession, error) {
	var (
		sess    RefreshSession
		revoked sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.ExpiresAt,
		&revoked, &sess.IP, &sess.UserAgent, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revoked.Valid {
		t := revoked.Time.UTC()
		sess.RevokedAt = &t
	}
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	sess.CreatedAt = sess.CreatedAt.UTC()
	return &sess, nil
}

// --- tickets --------------------------------------------------------------

type pgTickets PGStore

func (s *pgTickets) Create(ctx context.Context, t *ResetTicket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reset_tickets (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt,
	)
	return err
}

func (s *pgTickets) FindByHash(ctx context.Context, tokenHash string) (*ResetTicket, error) {
	var (
		t    ResetTicket
		used sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, used_at, created_at
		FROM reset_tickets WHERE token_hash = $1`, tokenHash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &used, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if used.Valid {
		u := used.Time.UTC()
		t.UsedAt = &u
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func (s *pgTickets) Consume(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var userID string
	err = tx.QueryRowContext(ctx, `
		UPDATE reset_tickets SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING user_id`,
		tokenHash, now,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTicketInvalid
	}
	if err != nil {
		return "", err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, failed_logins = 0, locked_until = NULL
		WHERE id = $1`,
		userID, newPasswordHash)
	if err != nil {
		return "", err
	}
	if err := requireRow(res); err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL`,
		userID, now)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *pgTickets) DeleteDead(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reset_tickets WHERE expires_at < $1 OR used_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
