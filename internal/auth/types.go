package auth

import (
	"time"

	"gasplant.org/internal/authority"
)

// TokenTypeBearer marks persisted access tokens.
const TokenTypeBearer = "BEARER"

// User is a registered principal. At most one of OrganizationID and
// DistributorID is set.
type User struct {
	ID             string
	Email          string
	FirstName      string
	LastName       string
	PasswordHash   string
	Role           string
	OrganizationID *string
	DistributorID  *string
	CreatedAt      time.Time
}

// Role groups permissions by name.
type Role struct {
	ID          string
	Name        string
	Permissions []string
}

// Organization is the top of the tenant hierarchy.
type Organization struct {
	ID        string
	Name      string
	Reg       string
	Industry  string
	Location  string
	Contact   string
	CreatedAt time.Time
}

// TokenRecord is the persisted copy of an issued access token used by the
// origin's cache-miss path.
type TokenRecord struct {
	ID        string
	UserID    string
	Token     string
	Type      string
	Revoked   bool
	Expired   bool
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the record still authorizes requests at now.
func (r TokenRecord) Valid(now time.Time) bool {
	return !r.Revoked && !r.Expired && now.Before(r.ExpiresAt)
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

type RegisterRequest struct {
	FirstName      string
	LastName       string
	Email          string
	Password       string
	Role           string
	OrganizationID *string
	DistributorID  *string
}

// InitRequest bootstraps an empty store.
type InitRequest struct {
	AccessCode   string
	Organization Organization
	Admin        RegisterRequest
}

type InitResult struct {
	Organization Organization
	Tokens       TokenPair
}

// Principal is the authenticated identity attached to a request.
type Principal struct {
	Subject     string
	Authorities authority.Set
}
