package identity

import (
	"context"
	"strings"
)

// Role values carried by users and access tokens.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is a row of the users table as seen by this service.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Email     string
	Role      string
}

// DisplayName joins first and last name, falling back to the email.
func (u User) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.Email
	}
	return name
}

// Directory is the user persistence boundary.
type Directory interface {
	// GetByEmail looks a user up by normalized email. Missing -> ErrNotFound.
	GetByEmail(ctx context.Context, email string) (User, error)
	// UpdatePasswordHash replaces the stored password hash. Missing user -> ErrNotFound.
	UpdatePasswordHash(ctx context.Context, userID int64, hash string) error
}
