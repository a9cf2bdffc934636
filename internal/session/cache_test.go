package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type harness struct {
	cache   Cache
	advance func(time.Duration)
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newRedisHarness(t *testing.T) (harness, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return harness{cache: NewRedisCache(client), advance: mr.FastForward}, mr
}

func newMemoryHarness(t *testing.T) harness {
	t.Helper()
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return harness{
		cache:   NewMemoryCache(128, 24*time.Hour, WithMemoryClock(clock.Now)),
		advance: clock.Add,
	}
}

func eachCache(t *testing.T, fn func(t *testing.T, h harness)) {
	t.Run("redis", func(t *testing.T) {
		h, _ := newRedisHarness(t)
		fn(t, h)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, newMemoryHarness(t))
	})
}

func TestPutGetRoundTrip(t *testing.T) {
	eachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		entry := Entry{
			Username:    "ops@gas.example",
			Roles:       []string{"ROLE_MANAGER"},
			Permissions: []string{"company:read", "region:create"},
		}
		require.NoError(t, h.cache.Put(ctx, "tok-1", entry, time.Hour))

		got, ok, err := h.cache.Get(ctx, "tok-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, entry, got)

		black, err := h.cache.IsBlacklisted(ctx, "tok-1")
		require.NoError(t, err)
		require.False(t, black)

		tok, ok, err := h.cache.TokenFor(ctx, entry.Username)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "tok-1", tok)
	})
}

func TestPutEvictsPreviousToken(t *testing.T) {
	eachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		entry := Entry{Username: "ops@gas.example", Roles: []string{"ROLE_MANAGER"}}
		require.NoError(t, h.cache.Put(ctx, "tok-1", entry, time.Hour))
		require.NoError(t, h.cache.Put(ctx, "tok-2", entry, time.Hour))

		_, ok, err := h.cache.Get(ctx, "tok-1")
		require.NoError(t, err)
		require.False(t, ok, "first token must be evicted")

		black, err := h.cache.IsBlacklisted(ctx, "tok-1")
		require.NoError(t, err)
		require.True(t, black)

		tok, ok, err := h.cache.TokenFor(ctx, entry.Username)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "tok-2", tok)
	})
}

func TestPutSameTokenRefreshesEntry(t *testing.T) {
	eachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		require.NoError(t, h.cache.Put(ctx, "tok-1", Entry{Username: "a@b.c", Permissions: []string{"user:read"}}, time.Hour))
		require.NoError(t, h.cache.Put(ctx, "tok-1", Entry{Username: "a@b.c", Permissions: []string{"user:update"}}, time.Hour))

		got, ok, err := h.cache.Get(ctx, "tok-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []string{"user:update"}, got.Permissions)
	})
}

func TestEntryExpires(t *testing.T) {
	eachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		require.NoError(t, h.cache.Put(ctx, "tok-1", Entry{Username: "a@b.c"}, time.Minute))

		h.advance(59 * time.Second)
		_, ok, err := h.cache.Get(ctx, "tok-1")
		require.NoError(t, err)
		require.True(t, ok)

		h.advance(2 * time.Second)
		_, ok, err = h.cache.Get(ctx, "tok-1")
		require.NoError(t, err)
		require.False(t, ok)

		_, ok, err = h.cache.TokenFor(ctx, "a@b.c")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestInvalidateBlacklists(t *testing.T) {
	eachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		require.NoError(t, h.cache.Put(ctx, "tok-1", Entry{Username: "a@b.c"}, time.Hour))
		require.NoError(t, h.cache.Invalidate(ctx, "tok-1"))

		black, err := h.cache.IsBlacklisted(ctx, "tok-1")
		require.NoError(t, err)
		require.True(t, black)

		_, ok, err := h.cache.TokenFor(ctx, "a@b.c")
		require.NoError(t, err)
		require.False(t, ok)

		// unknown tokens are indistinguishable from revoked ones
		black, err = h.cache.IsBlacklisted(ctx, "never-issued")
		require.NoError(t, err)
		require.True(t, black)
		require.NoError(t, h.cache.Invalidate(ctx, "never-issued"))
	})
}

func TestEmptyAuthoritiesRoundTrip(t *testing.T) {
	eachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		require.NoError(t, h.cache.Put(ctx, "tok-1", Entry{Username: "a@b.c"}, time.Hour))
		got, ok, err := h.cache.Get(ctx, "tok-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, got.Roles)
		require.Empty(t, got.Permissions)
	})
}

func TestPutValidatesInput(t *testing.T) {
	eachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		require.ErrorIs(t, h.cache.Put(ctx, "", Entry{Username: "a@b.c"}, time.Hour), ErrInvalidEntry)
		require.ErrorIs(t, h.cache.Put(ctx, "tok", Entry{}, time.Hour), ErrInvalidEntry)
		require.Error(t, h.cache.Put(ctx, "tok", Entry{Username: "a@b.c"}, 0))
	})
}

func TestRedisLayout(t *testing.T) {
	h, mr := newRedisHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cache.Put(ctx, "tok-1", Entry{
		Username:    "a@b.c",
		Roles:       []string{"ROLE_MANAGER", "ROLE_AUDIT"},
		Permissions: []string{"company:read"},
	}, time.Hour))

	require.Equal(t, "a@b.c", mr.HGet("token::tok-1", "username"))
	require.Equal(t, "ROLE_MANAGER,ROLE_AUDIT", mr.HGet("token::tok-1", "roles"))
	require.Equal(t, "company:read", mr.HGet("token::tok-1", "permissions"))
	ptr, err := mr.Get("user::a@b.c")
	require.NoError(t, err)
	require.Equal(t, "tok-1", ptr)
	require.Equal(t, time.Hour, mr.TTL("token::tok-1"))
}

func TestRedisBackendFailureSurfaces(t *testing.T) {
	h, mr := newRedisHarness(t)
	mr.Close()
	_, _, err := h.cache.Get(context.Background(), "tok-1")
	require.Error(t, err)
	require.Error(t, h.cache.Ping(context.Background()))
}

func TestMemoryReverseIndexFollowsEviction(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(2, 24*time.Hour, WithMemoryClock(clock.Now))

	for _, user := range []string{"a@plant.io", "b@plant.io", "c@plant.io"} {
		require.NoError(t, c.Put(ctx, "tok-"+user, Entry{Username: user}, time.Hour))
	}
	c.mu.Lock()
	require.Len(t, c.current, 2)
	_, kept := c.current["a@plant.io"]
	c.mu.Unlock()
	require.False(t, kept, "capacity eviction should drop the reverse pointer")

	clock.Add(2 * time.Hour)
	_, ok, err := c.Get(ctx, "tok-b@plant.io")
	require.NoError(t, err)
	require.False(t, ok)
	c.mu.Lock()
	_, kept = c.current["b@plant.io"]
	c.mu.Unlock()
	require.False(t, kept, "expired entry should drop the reverse pointer")

	require.NoError(t, c.Invalidate(ctx, "tok-c@plant.io"))
	c.mu.Lock()
	require.Empty(t, c.current)
	c.mu.Unlock()
}
