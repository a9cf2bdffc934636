package pg

import (
	"context"

	"gasplant.org/internal/auth"
	"gasplant.org/internal/ids"
)

func (s *Store) OrganizationExists(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists (select 1 from organizations where id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *Store) DistributorExists(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists (select 1 from distributors where id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *Store) CreateOrganization(ctx context.Context, org *auth.Organization) error {
	if s.db == nil {
		return errNoDB
	}
	if org.ID == "" {
		org.ID = ids.New()
	}
	return s.db.QueryRowContext(ctx, `
		insert into organizations (id, name, reg, industry, location, contact)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, org.ID, org.Name, nullIfEmpty(org.Reg), nullIfEmpty(org.Industry),
		nullIfEmpty(org.Location), nullIfEmpty(org.Contact)).Scan(&org.CreatedAt)
}
