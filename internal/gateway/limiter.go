package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gasplant.org/internal/obs"
)

// Limiter decides whether one more request for key is allowed now.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

const (
	bucketIdle   = 5 * time.Minute
	sweepEveryN  = 1024
	rateKeySpace = "ratelimit:"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// LocalLimiter keeps one token bucket per key in process memory.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
	calls   int
}

func NewLocalLimiter(perSecond float64, burst int) *LocalLimiter {
	if burst < 1 {
		burst = 1
	}
	return &LocalLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.calls++
	if l.calls%sweepEveryN == 0 {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > bucketIdle {
				delete(l.buckets, k)
			}
		}
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Counter is the slice of the go-redis client RedisLimiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisLimiter is a fixed-window counter shared by every gateway replica.
// It fails open when Redis is unreachable.
type RedisLimiter struct {
	client Counter
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(client Counter, limit int, window time.Duration) *RedisLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{client: client, limit: int64(limit), window: window, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	slot := l.now().UnixNano() / int64(l.window)
	k := rateKeySpace + hashKey(key) + ":" + strconv.FormatInt(slot, 10)
	n, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		obs.Logger().WithError(err).Warn("rate limiter unavailable, allowing request")
		return true
	}
	if n == 1 {
		if err := l.client.Expire(ctx, k, 2*l.window).Err(); err != nil {
			obs.Logger().WithFields(logrus.Fields{"key": k}).WithError(err).Warn("rate limiter expire failed")
		}
	}
	return n <= l.limit
}

// bearer tokens are long and sensitive; keys only ever hold a digest
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
