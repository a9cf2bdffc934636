package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gasplant.org/internal/auth"
	"gasplant.org/internal/ids"
)

func (s *Store) LookupUser(ctx context.Context, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	var (
		u         auth.User
		org, dist sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select u.id, u.email, u.first_name, u.last_name, u.password_hash, r.name,
		       u.organization_id, u.distributor_id, u.created_at
		from users u
		join roles r on r.id = u.role_id
		where u.email = $1
	`, email).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &u.Role, &org, &dist, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, fmt.Errorf("%w: user %s", auth.ErrNotFound, email)
	}
	if err != nil {
		return auth.User{}, err
	}
	u.OrganizationID = ptr(org)
	u.DistributorID = ptr(dist)
	return u, nil
}

func (s *Store) EmailExists(ctx context.Context, email string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists (select 1 from users where email = $1)`, email).Scan(&exists)
	return exists, err
}

// CreateUser inserts u, resolving u.Role by name. Constraint violations map
// onto the auth error taxonomy.
func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if s.db == nil {
		return errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	res, err := s.db.ExecContext(ctx, `
		insert into users (id, email, first_name, last_name, password_hash, role_id,
		                   organization_id, distributor_id, created_at)
		select $1, $2, $3, $4, $5, r.id, $7, $8, $9
		from roles r
		where r.name = $6
	`, u.ID, u.Email, u.FirstName, u.LastName, u.PasswordHash, u.Role,
		nullable(u.OrganizationID), nullable(u.DistributorID), u.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrDuplicateIdentity
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: %s", auth.ErrInvalidReference, pgErr.ConstraintName)
			case pgErrCheckViolation:
				return auth.ErrConflictingAffiliation
			}
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: role %q", auth.ErrInvalidReference, u.Role)
	}
	return nil
}
