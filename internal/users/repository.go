package users

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-auth/internal/platform/db"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

// Repository defines principal persistence.
type Repository interface {
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByLogin(ctx context.Context, login string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	Create(ctx context.Context, u User) (*User, error)
	Update(ctx context.Context, u User) (*User, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	MarkEmailVerified(ctx context.Context, id int64) error
}

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	db db.Querier
}

// NewRepository constructs a repository.
func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{db: q}
}

const userColumns = `id, username, email, full_name, password_hash, is_active, is_superuser, email_verified, created_at, updated_at`

// FindByID fetches a user by id.
func (r *PGRepository) FindByID(ctx context.Context, id int64) (*User, error) {
	return r.findOne(ctx, "users: find by id", `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// FindByUsername fetches a user by exact username.
func (r *PGRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	return r.findOne(ctx, "users: find by username", `SELECT `+userColumns+` FROM users WHERE username = $1`, NormalizeUsername(username))
}

// FindByEmail fetches a user by email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.findOne(ctx, "users: find by email", `SELECT `+userColumns+` FROM users WHERE email = $1`, NormalizeEmail(email))
}

// FindByLogin fetches a user whose username or email matches login.
func (r *PGRepository) FindByLogin(ctx context.Context, login string) (*User, error) {
	return r.findOne(ctx, "users: find by login", `SELECT `+userColumns+` FROM users
		WHERE username = $1 OR email = $2
		ORDER BY (username = $1) DESC
		LIMIT 1`, NormalizeUsername(login), NormalizeEmail(login))
}

// ListUsers returns all users.
func (r *PGRepository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, db.Classify("users: list", err)
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, db.Classify("users: list", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("users: list", err)
	}
	return users, nil
}

// Create inserts a new user.
func (r *PGRepository) Create(ctx context.Context, u User) (*User, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO users (username, email, full_name, password_hash, is_active, is_superuser, email_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+userColumns,
		NormalizeUsername(u.Username), NormalizeEmail(u.Email), u.FullName, u.PasswordHash, u.IsActive, u.IsSuperuser, u.EmailVerified)
	user, err := scanUser(row)
	if err != nil {
		return nil, db.Classify("users: create", err)
	}
	return user, nil
}

// Update stores the mutable account fields.
func (r *PGRepository) Update(ctx context.Context, u User) (*User, error) {
	row := r.db.QueryRow(ctx, `UPDATE users SET email = $2, full_name = $3, is_active = $4, updated_at = $5
		WHERE id = $1
		RETURNING `+userColumns,
		u.ID, NormalizeEmail(u.Email), u.FullName, u.IsActive, time.Now().UTC())
	user, err := scanUser(row)
	if err != nil {
		return nil, db.Classify("users: update", err)
	}
	return user, nil
}

// UpdatePasswordHash stores a new password digest.
func (r *PGRepository) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	return r.touch(ctx, "users: update password", `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`, id, hash, time.Now().UTC())
}

// MarkEmailVerified flags the user's email as verified.
func (r *PGRepository) MarkEmailVerified(ctx context.Context, id int64) error {
	return r.touch(ctx, "users: mark verified", `UPDATE users SET email_verified = TRUE, updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
}

func (r *PGRepository) findOne(ctx context.Context, op, query string, args ...any) (*User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, db.Classify(op, err)
	}
	return user, nil
}

func (r *PGRepository) touch(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return db.Classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u        User
		fullName *string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &fullName, &u.PasswordHash, &u.IsActive,
		&u.IsSuperuser, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if fullName != nil {
		u.FullName = *fullName
	}
	return &u, nil
}

var _ Repository = (*PGRepository)(nil)
