package session

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMemoryCapacity = 100_000

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

type evicted struct {
	token    string
	username string
}

// MemoryCache is a single-process Cache backed by an expirable LRU. It is
// meant for local runs and tests; multi-instance deployments use RedisCache.
type MemoryCache struct {
	mu      sync.Mutex
	tokens  *expirable.LRU[string, memEntry]
	current map[string]string
	now     func() time.Time

	// evictMu guards gone. The LRU callback may run on the janitor
	// goroutine, so it never takes mu.
	evictMu sync.Mutex
	gone    []evicted
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMemoryClock overrides the time source used for per-entry expiry.
func WithMemoryClock(fn func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewMemoryCache builds a MemoryCache. maxTTL caps how long the LRU keeps an
// entry regardless of the ttl passed to Put.
func NewMemoryCache(capacity int, maxTTL time.Duration, opts ...MemoryOption) *MemoryCache {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	c := &MemoryCache{
		current: make(map[string]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tokens = expirable.NewLRU[string, memEntry](capacity, c.onEvict, maxTTL)
	return c
}

func (c *MemoryCache) Put(_ context.Context, token string, entry Entry, ttl time.Duration) error {
	if err := validate(token, entry, ttl); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.pruneLocked()

	if prev, ok := c.current[entry.Username]; ok && prev != token {
		c.tokens.Remove(prev)
	}
	c.tokens.Add(token, memEntry{entry: normalize(entry), expiresAt: c.now().Add(ttl)})
	c.current[entry.Username] = token
	return nil
}

func (c *MemoryCache) Get(_ context.Context, token string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.pruneLocked()
	e, ok := c.lookupLocked(token)
	if !ok {
		return Entry{}, false, nil
	}
	return e.entry, true, nil
}

func (c *MemoryCache) Invalidate(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens.Remove(token)
	c.pruneLocked()
	return nil
}

func (c *MemoryCache) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	_, ok, err := c.Get(ctx, token)
	return !ok, err
}

func (c *MemoryCache) TokenFor(_ context.Context, username string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	tok, ok := c.current[username]
	if !ok {
		return "", false, nil
	}
	if _, live := c.lookupLocked(tok); !live {
		delete(c.current, username)
		return "", false, nil
	}
	return tok, true, nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

func (c *MemoryCache) lookupLocked(token string) (memEntry, bool) {
	e, ok := c.tokens.Get(token)
	if !ok {
		return memEntry{}, false
	}
	if !c.now().Before(e.expiresAt) {
		c.tokens.Remove(token)
		return memEntry{}, false
	}
	return e, true
}

func (c *MemoryCache) onEvict(token string, e memEntry) {
	c.evictMu.Lock()
	c.gone = append(c.gone, evicted{token: token, username: e.entry.Username})
	c.evictMu.Unlock()
}

// pruneLocked drops reverse pointers whose token has left the LRU, whether
// by removal, capacity eviction or expiry.
func (c *MemoryCache) pruneLocked() {
	c.evictMu.Lock()
	gone := c.gone
	c.gone = nil
	c.evictMu.Unlock()
	for _, g := range gone {
		if c.current[g.username] == g.token {
			delete(c.current, g.username)
		}
	}
}
