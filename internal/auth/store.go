package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Lookups return an error wrapping ErrNotFound when nothing matches.
type Store interface {
	LookupUser(ctx context.Context, email string) (User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	CreateUser(ctx context.Context, u *User) error

	LookupRole(ctx context.Context, name string) (Role, error)
	EnsureRole(ctx context.Context, name string, permissions []string) (Role, error)
	EnsurePermissions(ctx context.Context, names []string) error
	ListPermissions(ctx context.Context) ([]string, error)

	OrganizationExists(ctx context.Context, id string) (bool, error)
	DistributorExists(ctx context.Context, id string) (bool, error)
	CreateOrganization(ctx context.Context, org *Organization) error

	SaveToken(ctx context.Context, rec TokenRecord) error
	FindToken(ctx context.Context, token string) (TokenRecord, error)
	RevokeToken(ctx context.Context, token string) error
	RevokeUserTokens(ctx context.Context, userID string) error
	ExpireTokens(ctx context.Context, before time.Time) (int64, error)

	IsEmpty(ctx context.Context) (bool, error)
}
