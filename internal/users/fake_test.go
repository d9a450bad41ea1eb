package users

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

type memoryRepo struct {
	mu    sync.Mutex
	users []User
}

func (m *memoryRepo) find(match func(User) bool) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			u := u
			return &u, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *memoryRepo) FindByID(_ context.Context, id int64) (*User, error) {
	return m.find(func(u User) bool { return u.ID == id })
}

func (m *memoryRepo) FindByUsername(_ context.Context, username string) (*User, error) {
	return m.find(func(u User) bool { return u.Username == NormalizeUsername(username) })
}

func (m *memoryRepo) FindByEmail(_ context.Context, email string) (*User, error) {
	return m.find(func(u User) bool { return u.Email == NormalizeEmail(email) })
}

func (m *memoryRepo) FindByLogin(ctx context.Context, login string) (*User, error) {
	if u, err := m.FindByUsername(ctx, login); err == nil {
		return u, nil
	}
	return m.FindByEmail(ctx, login)
}

func (m *memoryRepo) ListUsers(context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]User(nil), m.users...), nil
}

func (m *memoryRepo) Create(_ context.Context, u User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return nil, &pgconn.PgError{Code: "23505"}
		}
	}
	u.ID = int64(len(m.users) + 1)
	m.users = append(m.users, u)
	return &u, nil
}

func (m *memoryRepo) Update(_ context.Context, u User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i := range m.users {
		if m.users[i].ID == u.ID {
			idx = i
		} else if m.users[i].Email == u.Email {
			return nil, &pgconn.PgError{Code: "23505"}
		}
	}
	if idx < 0 {
		return nil, shared.ErrNotFound
	}
	m.users[idx].Email = u.Email
	m.users[idx].FullName = u.FullName
	m.users[idx].IsActive = u.IsActive
	out := m.users[idx]
	return &out, nil
}

func (m *memoryRepo) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.users {
		if m.users[i].ID == id {
			m.users[i].PasswordHash = hash
			return nil
		}
	}
	return shared.ErrNotFound
}

func (m *memoryRepo) MarkEmailVerified(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.users {
		if m.users[i].ID == id {
			m.users[i].EmailVerified = true
			return nil
		}
	}
	return shared.ErrNotFound
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

// fastHasher keeps tests quick while preserving bcrypt semantics.
var fastHasher = BcryptHasher{Cost: 4}
