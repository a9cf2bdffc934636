package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "gasplant.org/internal/session"

// Client is the subset of go-redis used by RedisCache.
type Client interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

var _ Client = (*redis.Client)(nil)

// putScript writes the forward hash, swaps the reverse pointer and evicts
// the previous token in one step.
//
// KEYS[1] forward key, KEYS[2] reverse key.
// ARGV: username, roles, permissions, ttl ms, forward prefix, token.
var putScript = redis.NewScript(`
local prev = redis.call('GET', KEYS[2])
if prev and prev ~= ARGV[6] then
  redis.call('DEL', ARGV[5] .. prev)
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'username', ARGV[1], 'roles', ARGV[2], 'permissions', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('SET', KEYS[2], ARGV[6], 'PX', ARGV[4])
if prev then
  return prev
end
return ''
`)

// RedisCache stores sessions as hashes under token::<jwt> with a plain
// user::<email> pointer to the active token.
type RedisCache struct {
	client Client
	tracer trace.Tracer
}

// NewRedisCache wraps an existing go-redis client.
func NewRedisCache(client Client) *RedisCache {
	return &RedisCache{client: client, tracer: otel.Tracer(tracerName)}
}

// Put upserts the token entry and makes it the user's only pointed-to token.
func (c *RedisCache) Put(ctx context.Context, token string, entry Entry, ttl time.Duration) error {
	if err := validate(token, entry, ttl); err != nil {
		return err
	}
	ctx, span := c.startSpan(ctx, "session.Put")
	defer span.End()

	ttlMS := ttl.Milliseconds()
	if ttlMS < 1 {
		ttlMS = 1
	}
	err := putScript.Run(ctx, c.client,
		[]string{tokenKeyPrefix + token, userKeyPrefix + entry.Username},
		entry.Username, joinCSV(entry.Roles), joinCSV(entry.Permissions),
		strconv.FormatInt(ttlMS, 10), tokenKeyPrefix, token,
	).Err()
	if err != nil {
		return c.fail(span, fmt.Errorf("session: put: %w", err))
	}
	return nil
}

// Get returns the cached entry; ok is false when the key is absent.
func (c *RedisCache) Get(ctx context.Context, token string) (Entry, bool, error) {
	ctx, span := c.startSpan(ctx, "session.Get")
	defer span.End()

	fields, err := c.client.HGetAll(ctx, tokenKeyPrefix+token).Result()
	if err != nil {
		return Entry{}, false, c.fail(span, fmt.Errorf("session: get: %w", err))
	}
	username := fields["username"]
	if len(fields) == 0 || username == "" {
		span.SetAttributes(attribute.Bool("session.hit", false))
		return Entry{}, false, nil
	}
	span.SetAttributes(attribute.Bool("session.hit", true))
	return Entry{
		Username:    username,
		Roles:       splitCSV(fields["roles"]),
		Permissions: splitCSV(fields["permissions"]),
	}, true, nil
}

// Invalidate removes the forward entry only. The user pointer is left in
// place and corrected by the next Put for that user.
func (c *RedisCache) Invalidate(ctx context.Context, token string) error {
	ctx, span := c.startSpan(ctx, "session.Invalidate")
	defer span.End()
	if err := c.client.Del(ctx, tokenKeyPrefix+token).Err(); err != nil {
		return c.fail(span, fmt.Errorf("session: invalidate: %w", err))
	}
	return nil
}

func (c *RedisCache) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	ctx, span := c.startSpan(ctx, "session.IsBlacklisted")
	defer span.End()
	n, err := c.client.Exists(ctx, tokenKeyPrefix+token).Result()
	if err != nil {
		return false, c.fail(span, fmt.Errorf("session: exists: %w", err))
	}
	return n == 0, nil
}

// TokenFor returns the user's active token if its forward entry still exists.
func (c *RedisCache) TokenFor(ctx context.Context, username string) (string, bool, error) {
	ctx, span := c.startSpan(ctx, "session.TokenFor")
	defer span.End()
	tok, err := c.client.Get(ctx, userKeyPrefix+username).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, c.fail(span, fmt.Errorf("session: token for user: %w", err))
	}
	n, err := c.client.Exists(ctx, tokenKeyPrefix+tok).Result()
	if err != nil {
		return "", false, c.fail(span, fmt.Errorf("session: exists: %w", err))
	}
	if n == 0 {
		return "", false, nil
	}
	return tok, true, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", "redis")),
	)
}

func (c *RedisCache) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
