package account

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process Store. It backs tests and the
// "memory" DSN for local development; production runs on PGStore.
type MemoryStore struct {
	mu sync.Mutex

	usersByID map[string]*User
	drafts    map[string]*VerificationDraft
	sessions  map[string]*RefreshSession
	tickets   map[string]*ResetTicket
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		usersByID: make(map[string]*User),
		drafts:    make(map[string]*VerificationDraft),
		sessions:  make(map[string]*RefreshSession),
		tickets:   make(map[string]*ResetTicket),
	}
}

func (m *MemoryStore) Users() UserStore       { return (*memoryUsers)(m) }
func (m *MemoryStore) Drafts() DraftStore     { return (*memoryDrafts)(m) }
func (m *MemoryStore) Sessions() SessionStore { return (*memorySessions)(m) }
func (m *MemoryStore) Tickets() TicketStore   { return (*memoryTickets)(m) }
func (m *MemoryStore) Close() error           { return nil }

// --- users ----------------------------------------------------------------

type memoryUsers MemoryStore

func (m *memoryUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.usersByID {
		if existing.Email == u.Email || strings.EqualFold(existing.Username, u.Username) {
			return ErrConflict
		}
	}
	cp := *u
	m.usersByID[u.ID] = &cp
	return nil
}

func (m *memoryUsers) Find(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usersByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memoryUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.usersByID {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryUsers) FindByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.usersByID {
		if strings.EqualFold(u.Username, username) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryUsers) RecordFailedLogin(_ context.Context, id string, threshold int, unlockAt time.Time) (LoginPenalty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usersByID[id]
	if !ok {
		return LoginPenalty{}, ErrNotFound
	}
	u.FailedLogins++
	if u.FailedLogins >= threshold {
		u.FailedLogins = 0
		until := unlockAt
		u.LockedUntil = &until
		return LoginPenalty{Locked: true, UnlockAt: unlockAt}, nil
	}
	return LoginPenalty{AttemptsLeft: threshold - u.FailedLogins}, nil
}

func (m *memoryUsers) RecordSuccessfulLogin(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usersByID[id]
	if !ok {
		return ErrNotFound
	}
	u.FailedLogins = 0
	u.LockedUntil = nil
	return nil
}

func (m *memoryUsers) UpdatePassword(_ context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usersByID[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.FailedLogins = 0
	u.LockedUntil = nil
	return nil
}

// --- drafts ---------------------------------------------------------------

type memoryDrafts MemoryStore

func (m *memoryDrafts) Upsert(_ context.Context, d *VerificationDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	cp.Attempts = 0
	m.drafts[d.Email] = &cp
	return nil
}

func (m *memoryDrafts) Find(_ context.Context, email string) (*VerificationDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memoryDrafts) IncrementAttempt(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[email]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	return nil
}

func (m *memoryDrafts) Delete(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drafts[email]; !ok {
		return ErrNotFound
	}
	delete(m.drafts, email)
	return nil
}

func (m *memoryDrafts) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for email, d := range m.drafts {
		if now.After(d.ExpiresAt) {
			delete(m.drafts, email)
			n++
		}
	}
	return n, nil
}

// --- sessions -------------------------------------------------------------

type memorySessions MemoryStore

func (m *memorySessions) Create(_ context.Context, s *RefreshSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.TokenHash] = &cp
	return nil
}

func (m *memorySessions) FindByHash(_ context.Context, tokenHash string) (*RefreshSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memorySessions) Revoke(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok || s.RevokedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	s.RevokedAt = &now
	return nil
}

func (m *memorySessions) RevokeAll(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			t := now
			s.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (m *memorySessions) Rotate(_ context.Context, oldHash string, next *RefreshSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.sessions[oldHash]
	if !ok || old.RevokedAt != nil || !old.ExpiresAt.After(next.CreatedAt) {
		return ErrNotFound
	}
	revoked := next.CreatedAt
	old.RevokedAt = &revoked
	cp := *next
	m.sessions[next.TokenHash] = &cp
	return nil
}

func (m *memorySessions) ListActive(_ context.Context, userID string, now time.Time) ([]*RefreshSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RefreshSession
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memorySessions) DeleteDead(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, s := range m.sessions {
		dead := cutoff.After(s.ExpiresAt) || (s.RevokedAt != nil && cutoff.After(*s.RevokedAt))
		if dead {
			delete(m.sessions, hash)
			n++
		}
	}
	return n, nil
}

// --- tickets --------------------------------------------------------------

type memoryTickets MemoryStore

func (m *memoryTickets) Create(_ context.Context, t *ResetTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tickets[t.TokenHash] = &cp
	return nil
}

func (m *memoryTickets) FindByHash(_ context.Context, tokenHash string) (*ResetTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memoryTickets) Consume(_ context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[tokenHash]
	if !ok || t.UsedAt != nil || now.After(t.ExpiresAt) {
		return "", ErrTicketInvalid
	}
	u, ok := m.usersByID[t.UserID]
	if !ok {
		return "", ErrTicketInvalid
	}
	used := now
	t.UsedAt = &used
	u.PasswordHash = newPasswordHash
	u.FailedLogins = 0
	u.LockedUntil = nil
	for _, s := range m.sessions {
		if s.UserID == t.UserID && s.RevokedAt == nil {
			revoked := now
			s.RevokedAt = &revoked
		}
	}
	return t.UserID, nil
}

func (m *memoryTickets) DeleteDead(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, t := range m.tickets {
		dead := cutoff.After(t.ExpiresAt) || (t.UsedAt != nil && cutoff.After(*t.UsedAt))
		if dead {
			delete(m.tickets, hash)
			n++
		}
	}
	return n, nil
}
