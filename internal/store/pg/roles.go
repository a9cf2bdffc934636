package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gasplant.org/internal/auth"
	"gasplant.org/internal/ids"
)

func (s *Store) LookupRole(ctx context.Context, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	return lookupRole(ctx, s.db, name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func lookupRole(ctx context.Context, q queryer, name string) (auth.Role, error) {
	var role auth.Role
	err := q.QueryRowContext(ctx, `select id, name from roles where name = $1`, name).Scan(&role.ID, &role.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, name)
	}
	if err != nil {
		return auth.Role{}, err
	}
	rows, err := q.QueryContext(ctx, `
		select p.name
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, role.ID)
	if err != nil {
		return auth.Role{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			return auth.Role{}, err
		}
		role.Permissions = append(role.Permissions, perm)
	}
	if err := rows.Err(); err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

// EnsureRole creates the role if missing and grants it the named
// permissions that exist in the catalog. Existing grants are kept.
func (s *Store) EnsureRole(ctx context.Context, name string, permissions []string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into roles (id, name) values ($1, $2)
		on conflict (name) do nothing
	`, ids.New(), name); err != nil {
		return auth.Role{}, err
	}
	var roleID string
	if err := tx.QueryRowContext(ctx, `select id from roles where name = $1`, name).Scan(&roleID); err != nil {
		return auth.Role{}, err
	}
	for _, perm := range permissions {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			select $1, p.id from permissions p where p.name = $2
			on conflict do nothing
		`, roleID, perm); err != nil {
			return auth.Role{}, err
		}
	}
	role, err := lookupRole(ctx, tx, name)
	if err != nil {
		return auth.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

func (s *Store) EnsurePermissions(ctx context.Context, names []string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, name := range names {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, name) values ($1, $2)
			on conflict (name) do nothing
		`, ids.New(), name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListPermissions(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select name from permissions order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}
