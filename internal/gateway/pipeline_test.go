package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"gasplant.org/internal/auth"
	"gasplant.org/internal/keys"
	"gasplant.org/internal/token"
)

var (
	codecOnce sync.Once
	codec     *token.Codec
)

func testCodec(t *testing.T) *token.Codec {
	t.Helper()
	codecOnce.Do(func() {
		ks, err := keys.Generate(2048)
		if err != nil {
			panic(err)
		}
		c, err := token.NewCodec(ks)
		if err != nil {
			panic(err)
		}
		codec = c
	})
	return codec
}

func accessToken(t *testing.T, subject string, roles, perms []string) string {
	t.Helper()
	tok, err := testCodec(t).Issue(token.Claims{
		Subject:     subject,
		Type:        token.TypeAccess,
		Roles:       roles,
		Permissions: perms,
	}, time.Hour)
	require.NoError(t, err)
	return tok
}

type allowAll struct{}

func (allowAll) Allow(context.Context, string) bool { return true }

type denyAll struct{}

func (denyAll) Allow(context.Context, string) bool { return false }

// origin records whether it was reached and what it saw.
type origin struct {
	hits      int
	header    http.Header
	principal auth.Principal
	hasPrinc  bool
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.hits++
	o.header = r.Header.Clone()
	o.principal, o.hasPrinc = auth.PrincipalFromContext(r.Context())
	w.WriteHeader(http.StatusOK)
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestThreatPatternRejectedBeforeOrigin(t *testing.T) {
	up := &origin{}
	p := New(up, allowAll{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/me?id=1'%20OR%20'1'='1", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken(t, "a@x.io", []string{"ROLE_viewer"}, nil))
	rec := serve(p, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Zero(t, up.hits)
	require.Equal(t, "max-age=31536000 ; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
}

func TestThreatScanRunsBeforeBearerCheck(t *testing.T) {
	up := &origin{}
	p := New(up, allowAll{}, nil)

	// no token at all: the threat scan still answers first
	req := httptest.NewRequest(http.MethodGet, "/v1/me?q=%3Cscript%3Ealert(1)%3C/script%3E", nil)
	rec := serve(p, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Zero(t, up.hits)
}

func TestThreatScan(t *testing.T) {
	cases := []struct {
		query string
		bad   bool
	}{
		{"", false},
		{"id=1", false},
		{"page=2&size=20&sort=name", false},
		{"name=John%20Smith", false},
		{"id=1'%20OR%20'1'='1", true},
		{"q=%3Cscript%3Ealert(1)%3C%2Fscript%3E", true},
		{"q=%3CSCRIPT%3Ex%3C%2FSCRIPT%3E", true},
		{"f=count(id)", true},
		{"a%3Db=1", true},
		{"q=a;b", false},
		{"q=a;b=c'", true},
		{"q=%zz", false},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			require.Equal(t, tc.bad, suspicious(tc.query))
		})
	}
}

func TestBearerCheck(t *testing.T) {
	good := accessToken(t, "a@x.io", nil, []string{"user:read"})
	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"public login", "/auth/login", "", http.StatusOK},
		{"public register", "/auth/register", "", http.StatusOK},
		{"public launch", "/auth/initialization/launch", "", http.StatusOK},
		{"missing header", "/v1/me", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/me", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"two segments", "/v1/me", "Bearer abc.def", http.StatusUnauthorized},
		{"bad base64", "/v1/me", "Bearer a.b$.c", http.StatusUnauthorized},
		{"structural token", "/v1/me", "Bearer " + good, http.StatusOK},
		{"logout needs token", "/auth/logout", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up := &origin{}
			req := httptest.NewRequest(http.MethodPost, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := serve(New(up, allowAll{}, nil), req)
			require.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				require.Zero(t, up.hits)
				require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
				require.JSONEq(t, `{"message":"Unauthorized"}`, rec.Body.String())
			}
		})
	}
}

func TestBearerCheckWithVerifier(t *testing.T) {
	other, err := keys.Generate(2048)
	require.NoError(t, err)
	foreign, err := token.NewCodec(other)
	require.NoError(t, err)
	forged, err := foreign.Issue(token.Claims{Subject: "a@x.io", Type: token.TypeAccess}, time.Hour)
	require.NoError(t, err)

	up := &origin{}
	p := New(up, allowAll{}, testCodec(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	require.Equal(t, http.StatusUnauthorized, serve(p, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken(t, "a@x.io", nil, nil))
	require.Equal(t, http.StatusOK, serve(p, req).Code)
	require.Equal(t, 1, up.hits)
}

func TestAttachAuthority(t *testing.T) {
	up := &origin{}
	p := New(up, allowAll{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/permissions", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken(t, "a@x.io", []string{"ROLE_operator"}, []string{"plant:read", "plant:update"}))
	req.Header.Set(HeaderSubject, "mallory@x.io")
	req.Header.Set(HeaderPermissions, "*")
	rec := serve(p, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "a@x.io", up.header.Get(HeaderSubject))
	require.Equal(t, "ROLE_operator", up.header.Get(HeaderRoles))
	require.Equal(t, "plant:read,plant:update", up.header.Get(HeaderPermissions))
	require.True(t, up.hasPrinc)
	require.Equal(t, "a@x.io", up.principal.Subject)
	require.True(t, up.principal.Authorities.Allows("plant:read"))
	require.False(t, up.principal.Authorities.Allows("plant:delete"))
}

func TestAttachAuthorityStripsHeadersOnPublicPaths(t *testing.T) {
	up := &origin{}
	p := New(up, allowAll{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{}`))
	req.Header.Set(HeaderSubject, "mallory@x.io")
	req.Header.Set(HeaderRoles, "ROLE_SUPER-ADMIN")
	rec := serve(p, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, up.header.Get(HeaderSubject))
	require.Empty(t, up.header.Get(HeaderRoles))
	require.False(t, up.hasPrinc)
}

func TestRateLimitRejection(t *testing.T) {
	up := &origin{}
	p := New(up, denyAll{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	rec := serve(p, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"message":"Too many requests. Please try again later."}`, rec.Body.String())
	require.Zero(t, up.hits)
}

// keyRecorder admits everything and remembers the keys it was asked about.
type keyRecorder struct {
	keys []string
}

func (k *keyRecorder) Allow(_ context.Context, key string) bool {
	k.keys = append(k.keys, key)
	return true
}

func TestRateLimitKey(t *testing.T) {
	tok := accessToken(t, "a@x.io", []string{"ROLE_viewer"}, nil)
	cases := []struct {
		name   string
		path   string
		remote string
		auth   string
		xff    string
		want   string
	}{
		{"bearer wins", "/v1/me", "203.0.113.7:4444", "Bearer " + tok, "", "Bearer " + tok},
		{"peer address", "/auth/login", "203.0.113.7:4444", "", "", "203.0.113.7"},
		{"forwarded header ignored", "/auth/login", "203.0.113.7:4444", "", "10.0.0.1", "203.0.113.7"},
		{"bearer beats forwarded header", "/v1/me", "203.0.113.7:4444", "Bearer " + tok, "10.0.0.1", "Bearer " + tok},
		{"remote without port", "/auth/login", "203.0.113.7", "", "", "203.0.113.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &keyRecorder{}
			p := New(&origin{}, rec, nil)
			req := httptest.NewRequest(http.MethodPost, tc.path, nil)
			req.RemoteAddr = tc.remote
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			require.Equal(t, http.StatusOK, serve(p, req).Code)
			require.Equal(t, []string{tc.want}, rec.keys)
		})
	}
}

func TestRateLimitNotBypassedByForwardedFor(t *testing.T) {
	up := &origin{}
	p := New(up, NewLocalLimiter(0.001, 1), nil)

	codes := make(map[int]int)
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:4444"
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i))
		codes[serve(p, req).Code]++
	}
	require.Equal(t, map[int]int{http.StatusOK: 1, http.StatusTooManyRequests: 19}, codes)
	require.Equal(t, 1, up.hits)
}

// recordingStage notes the order in which stages ran.
type recordingStage struct {
	name  string
	log   *[]string
	allow bool
}

func (s recordingStage) Name() string { return s.name }

func (s recordingStage) Admit(r *http.Request, _ http.Header) Outcome {
	*s.log = append(*s.log, s.name)
	if !s.allow {
		return Reject(http.StatusForbidden, nil)
	}
	return Next(nil)
}

func TestPipelineShortCircuits(t *testing.T) {
	var log []string
	up := &origin{}
	p := NewPipeline(up,
		recordingStage{"one", &log, true},
		recordingStage{"two", &log, false},
		recordingStage{"three", &log, true},
	)
	rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, []string{"one", "two"}, log)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.JSONEq(t, `{"message":"Forbidden"}`, rec.Body.String())
	require.Zero(t, up.hits)
}

func TestPipelineStopsOnCancelledContext(t *testing.T) {
	var log []string
	up := &origin{}
	p := NewPipeline(up, recordingStage{"one", &log, true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	serve(p, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))

	require.Empty(t, log)
	require.Zero(t, up.hits)
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter(1, 2)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "a"))
	require.True(t, l.Allow(ctx, "a"))
	require.False(t, l.Allow(ctx, "a"))
	require.True(t, l.Allow(ctx, "b"), "keys have separate buckets")

	now = now.Add(time.Second)
	require.True(t, l.Allow(ctx, "a"))
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLimiter(client, 2, time.Second)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "Bearer tok"))
	require.True(t, l.Allow(ctx, "Bearer tok"))
	require.False(t, l.Allow(ctx, "Bearer tok"))
	require.True(t, l.Allow(ctx, "10.0.0.1"))

	for _, k := range mr.Keys() {
		require.NotContains(t, k, "tok")
		require.True(t, mr.TTL(k) > 0)
	}

	now = now.Add(time.Second)
	require.True(t, l.Allow(ctx, "Bearer tok"))
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	l := NewRedisLimiter(client, 1, time.Second)
	require.True(t, l.Allow(context.Background(), "k"))
	require.True(t, l.Allow(context.Background(), "k"))
}
