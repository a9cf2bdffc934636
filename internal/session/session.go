// Package session maps active access tokens to the authorities they were
// issued with, and each username to its single active token.
//
// An absent entry means the token was never issued, has expired, or was
// revoked. The three cases are deliberately indistinguishable: IsBlacklisted
// is defined as "not present".
//
// Put evicts the user's previous token. Two concurrent Puts for the same
// user race on the reverse pointer; the last write wins and the losing
// token stays readable until its own TTL elapses.
package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	tokenKeyPrefix = "token::"
	userKeyPrefix  = "user::"
)

var ErrInvalidEntry = errors.New("session: token and username are required")

// Entry is the cached authority snapshot for one token.
type Entry struct {
	Username    string
	Roles       []string
	Permissions []string
}

// Cache is the session store contract shared by the Redis and in-memory
// implementations.
type Cache interface {
	Put(ctx context.Context, token string, entry Entry, ttl time.Duration) error
	Get(ctx context.Context, token string) (Entry, bool, error)
	Invalidate(ctx context.Context, token string) error
	IsBlacklisted(ctx context.Context, token string) (bool, error)
	TokenFor(ctx context.Context, username string) (string, bool, error)
	Ping(ctx context.Context) error
}

func validate(token string, entry Entry, ttl time.Duration) error {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(entry.Username) == "" {
		return ErrInvalidEntry
	}
	if ttl <= 0 {
		return errors.New("session: ttl must be greater than zero")
	}
	return nil
}

func joinCSV(values []string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || strings.Contains(v, ",") {
			continue
		}
		out = append(out, v)
	}
	return strings.Join(out, ",")
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalize gives an entry the exact shape a CSV round-trip produces, so
// both implementations return identical values.
func normalize(e Entry) Entry {
	return Entry{
		Username:    e.Username,
		Roles:       splitCSV(joinCSV(e.Roles)),
		Permissions: splitCSV(joinCSV(e.Permissions)),
	}
}
