package auth_test

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-auth/internal/auth"
	"github.com/odyssey-erp/odyssey-auth/internal/credential"
	"github.com/odyssey-erp/odyssey-auth/internal/digest"
	"github.com/odyssey-erp/odyssey-auth/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-auth/internal/rbac"
	"github.com/odyssey-erp/odyssey-auth/internal/session"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
	"github.com/odyssey-erp/odyssey-auth/internal/users"
	_ "github.com/odyssey-erp/odyssey-auth/testing"
)

var hasher = users.BcryptHasher{Cost: 4}

type principalStore struct {
	mu    sync.Mutex
	users map[int64]*users.User
}

func (p *principalStore) add(t *testing.T, u users.User, password string) *users.User {
	t.Helper()
	hash, err := hasher.Hash(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u.PasswordHash = hash
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[u.ID] = &u
	return &u
}

func (p *principalStore) get(id int64) users.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.users[id]
}

func (p *principalStore) match(fn func(*users.User) bool) (*users.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if fn(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (p *principalStore) FindByID(_ context.Context, id int64) (*users.User, error) {
	return p.match(func(u *users.User) bool { return u.ID == id })
}

func (p *principalStore) FindByUsername(_ context.Context, username string) (*users.User, error) {
	return p.match(func(u *users.User) bool { return u.Username == username })
}

func (p *principalStore) FindByEmail(_ context.Context, email string) (*users.User, error) {
	return p.match(func(u *users.User) bool { return u.Email == users.NormalizeEmail(email) })
}

func (p *principalStore) FindByLogin(ctx context.Context, login string) (*users.User, error) {
	if u, err := p.FindByUsername(ctx, login); err == nil {
		return u, nil
	}
	return p.FindByEmail(ctx, login)
}

func (p *principalStore) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[id]
	if !ok {
		return shared.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (p *principalStore) MarkEmailVerified(_ context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[id]
	if !ok {
		return shared.ErrNotFound
	}
	u.EmailVerified = true
	return nil
}

func (p *principalStore) Create(_ context.Context, u users.User) (*users.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var next int64
	for id, existing := range p.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return nil, &pgconn.PgError{Code: "23505"}
		}
		if id > next {
			next = id
		}
	}
	u.ID = next + 1
	p.users[u.ID] = &u
	cp := u
	return &cp, nil
}

type grantedRole struct {
	principalID int64
	role        string
}

type roleLog struct {
	mu      sync.Mutex
	granted []grantedRole
}

func (l *roleLog) AssignRoleByName(_ context.Context, _, principalID int64, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.granted = append(l.granted, grantedRole{principalID: principalID, role: name})
	return nil
}

// sessionStore is an in-memory session.Repository.
type sessionStore struct {
	mu      sync.Mutex
	records []session.Record
}

func (s *sessionStore) Insert(_ context.Context, rec session.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = int64(len(s.records) + 1)
	s.records = append(s.records, rec)
	return rec.ID, nil
}

func (s *sessionStore) MarkRevoked(_ context.Context, d string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].Digest == d {
			if !s.records[i].Revoked {
				s.records[i].Revoked = true
				s.records[i].RevokedAt = &at
			}
			return nil
		}
	}
	return shared.ErrNotFound
}

func (s *sessionStore) ListActive(_ context.Context, principalID int64, now time.Time) ([]session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []session.Record
	for _, rec := range s.records {
		if rec.PrincipalID == principalID && !rec.Revoked && rec.ExpiresAt.After(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *sessionStore) FindByID(_ context.Context, principalID, id int64) (session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id && rec.PrincipalID == principalID {
			return rec, nil
		}
	}
	return session.Record{}, shared.ErrNotFound
}

func (s *sessionStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type sentMail struct {
	To, Subject, Body string
}

type outbox struct {
	mu   sync.Mutex
	sent []sentMail
}

func (o *outbox) SendMail(_ context.Context, to, subject, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (o *outbox) messages() []sentMail {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]sentMail(nil), o.sent...)
}

type noRoles struct{}

func (noRoles) RolesForPrincipal(context.Context, int64) ([]rbac.Role, error) {
	return []rbac.Role{{Name: "viewer", Permissions: []rbac.Permission{{Name: "content:read"}}}}, nil
}

type authFixture struct {
	mr        *miniredis.Miniredis
	codec     *credential.Codec
	principal *principalStore
	sessions  *sessionStore
	manager   *session.Manager
	mail      *outbox
	roles     *roleLog
	service   *auth.Service
	resolver  *rbac.Resolver
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec, err := credential.New(credential.Config{SecretKey: "access-secret", RefreshSecretKey: "refresh-secret", AccessTTL: 30 * time.Minute, RefreshTTL: 24 * time.Hour})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	store := cache.NewStore(client)
	f := &authFixture{
		mr:        mr,
		codec:     codec,
		principal: &principalStore{users: make(map[int64]*users.User)},
		sessions:  &sessionStore{},
		mail:      &outbox{},
		roles:     &roleLog{},
	}
	f.manager = session.NewManager(store, f.sessions, session.Options{Lifetime: codec.RefreshTTL(), Digest: digest.New(""), Logger: logger})
	f.service = auth.NewService(f.principal, f.manager, codec, auth.Options{
		Hasher:        hasher,
		Mailer:        f.mail,
		Roles:         f.roles,
		PublicBaseURL: "https://auth.example.com/",
		Logger:        logger,
	})
	f.resolver = rbac.NewResolver(noRoles{}, store, rbac.ResolverOptions{Logger: logger})
	f.principal.add(t, users.User{ID: 1, Username: "ada", Email: "ada@example.com", IsActive: true}, "password123")
	f.principal.add(t, users.User{ID: 2, Username: "ghost", Email: "ghost@example.com", IsActive: false}, "password123")
	return f
}
