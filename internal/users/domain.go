package users

import (
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

// User is a principal account.
type User struct {
	ID            int64
	Username      string
	Email         string
	FullName      string
	PasswordHash  string
	IsActive      bool
	IsSuperuser   bool
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GetID implements rbac.Principal.
func (u *User) GetID() int64 { return u.ID }

// IsSuperUser implements rbac.Principal.
func (u *User) IsSuperUser() bool { return u.IsSuperuser }

var emailFolder = cases.Fold()

// NormalizeEmail trims and case-folds an email address.
func NormalizeEmail(email string) string {
	return emailFolder.String(strings.TrimSpace(email))
}

// NormalizeUsername trims a username. Usernames keep their case.
func NormalizeUsername(username string) string {
	return strings.TrimSpace(username)
}

// ToIdentity converts the user into the identity bound to a request.
func (u *User) ToIdentity() *shared.Identity {
	return &shared.Identity{
		PrincipalID: u.ID,
		Username:    u.Username,
		Email:       u.Email,
		FullName:    u.FullName,
		IsActive:    u.IsActive,
		IsSuperuser: u.IsSuperuser,
	}
}
