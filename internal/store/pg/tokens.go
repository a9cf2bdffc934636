package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gasplant.org/internal/auth"
	"gasplant.org/internal/ids"
)

func (s *Store) SaveToken(ctx context.Context, rec auth.TokenRecord) error {
	if s.db == nil {
		return errNoDB
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tokens (id, user_id, token_hash, token_type, revoked, expired, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.UserID, tokenHash(rec.Token), rec.Type, rec.Revoked, rec.Expired, rec.IssuedAt, rec.ExpiresAt)
	return err
}

func (s *Store) FindToken(ctx context.Context, raw string) (auth.TokenRecord, error) {
	if s.db == nil {
		return auth.TokenRecord{}, errNoDB
	}
	rec := auth.TokenRecord{Token: raw}
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_type, revoked, expired, issued_at, expires_at
		from tokens
		where token_hash = $1
	`, tokenHash(raw)).Scan(&rec.ID, &rec.UserID, &rec.Type, &rec.Revoked, &rec.Expired, &rec.IssuedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.TokenRecord{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.TokenRecord{}, err
	}
	return rec, nil
}

func (s *Store) RevokeToken(ctx context.Context, raw string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update tokens set revoked = true, expired = true where token_hash = $1
	`, tokenHash(raw))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeUserTokens(ctx context.Context, userID string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		update tokens set revoked = true, expired = true
		where user_id = $1 and (not revoked or not expired)
	`, userID)
	return err
}

func (s *Store) ExpireTokens(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update tokens set expired = true where not expired and expires_at <= $1
	`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
