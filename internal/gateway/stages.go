package gateway

import (
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"gasplant.org/internal/auth"
	"gasplant.org/internal/authority"
	"gasplant.org/internal/token"
)

// Headers the gateway sets on admitted requests. Client-supplied copies are
// always dropped.
const (
	HeaderSubject     = "X-Auth-Subject"
	HeaderRoles       = "X-Auth-Roles"
	HeaderPermissions = "X-Auth-Permissions"
)

const bearerPrefix = "Bearer "

// DefaultPublicPaths are reachable without a bearer token.
var DefaultPublicPaths = []string{
	"/auth/login",
	"/auth/register",
	"/auth/initialization/launch",
}

// PathSet is an exact-match path allow-list.
type PathSet map[string]struct{}

func NewPathSet(paths ...string) PathSet {
	ps := make(PathSet, len(paths))
	for _, p := range paths {
		ps[p] = struct{}{}
	}
	return ps
}

func (ps PathSet) Contains(path string) bool {
	_, ok := ps[path]
	return ok
}

// SecurityHeaders decorates every response and never rejects.
type SecurityHeaders struct{}

func (SecurityHeaders) Name() string { return "security_headers" }

func (SecurityHeaders) Admit(r *http.Request, h http.Header) Outcome {
	h.Set("Strict-Transport-Security", "max-age=31536000 ; includeSubDomains")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	return Next(nil)
}

var (
	sqlInjection = regexp.MustCompile(`([a-zA-Z0-9_\-]+)([<>'"=()])+`)
	scriptTag    = regexp.MustCompile(`(?i)<script>(.*?)</script>`)
)

// ThreatScan rejects requests whose query parameters look like SQL
// injection or script injection. Keys and values are checked one at a time
// after decoding, so a plain key=value pair is not itself a match.
type ThreatScan struct{}

func (ThreatScan) Name() string { return "threat_scan" }

func (ThreatScan) Admit(r *http.Request, _ http.Header) Outcome {
	if suspicious(r.URL.RawQuery) {
		return Reject(http.StatusForbidden, messageBody("Forbidden"))
	}
	return Next(nil)
}

// suspicious splits on both '&' and ';' so a query url.ParseQuery would
// refuse is still scanned pair by pair.
func suspicious(rawQuery string) bool {
	pairs := strings.FieldsFunc(rawQuery, func(r rune) bool { return r == '&' || r == ';' })
	for _, pair := range pairs {
		k, v, _ := strings.Cut(pair, "=")
		if matches(unescape(k)) || matches(unescape(v)) {
			return true
		}
	}
	return false
}

// unescape decodes s, or returns it as is when it is not valid escaping.
func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

func matches(s string) bool {
	return sqlInjection.MatchString(s) || scriptTag.MatchString(s)
}

// Verifier checks a token signature at the edge.
type Verifier interface {
	VerifySignatureAndParse(raw string) (token.Claims, error)
}

// BearerCheck requires a structurally valid bearer token on every path
// outside the allow-list.
type BearerCheck struct {
	public   PathSet
	verifier Verifier
}

func NewBearerCheck(public PathSet) *BearerCheck {
	return &BearerCheck{public: public}
}

// WithVerifier also checks signatures, not just structure.
func (b *BearerCheck) WithVerifier(v Verifier) *BearerCheck {
	b.verifier = v
	return b
}

func (b *BearerCheck) Name() string { return "bearer_check" }

func (b *BearerCheck) Admit(r *http.Request, _ http.Header) Outcome {
	if b.public.Contains(r.URL.Path) {
		return Next(nil)
	}
	tok, ok := bearerToken(r)
	if !ok || !token.StructuralCheck(tok) {
		return Reject(http.StatusUnauthorized, messageBody("Unauthorized"))
	}
	if b.verifier != nil {
		if _, err := b.verifier.VerifySignatureAndParse(tok); err != nil {
			return Reject(http.StatusUnauthorized, messageBody("Unauthorized"))
		}
	}
	return Next(nil)
}

// AttachAuthority forwards the caller's identity to the origin as headers
// and as a Principal on the request context.
type AttachAuthority struct {
	public PathSet
}

func NewAttachAuthority(public PathSet) *AttachAuthority {
	return &AttachAuthority{public: public}
}

func (a *AttachAuthority) Name() string { return "attach_authority" }

func (a *AttachAuthority) Admit(r *http.Request, _ http.Header) Outcome {
	out := r.Clone(r.Context())
	out.Header.Del(HeaderSubject)
	out.Header.Del(HeaderRoles)
	out.Header.Del(HeaderPermissions)
	if a.public.Contains(r.URL.Path) {
		return Next(out)
	}
	tok, ok := bearerToken(r)
	if !ok {
		return Reject(http.StatusUnauthorized, messageBody("Unauthorized"))
	}
	claims, err := token.ParseUnverified(tok)
	if err != nil || claims.Subject == "" {
		return Reject(http.StatusUnauthorized, messageBody("Unauthorized"))
	}
	set := authority.FromClaims(claims.Roles, claims.Permissions)
	out.Header.Set(HeaderSubject, claims.Subject)
	out.Header.Set(HeaderRoles, strings.Join(set.Roles, ","))
	out.Header.Set(HeaderPermissions, strings.Join(set.ClaimPermissions(), ","))
	ctx := auth.ContextWithPrincipal(out.Context(), auth.Principal{Subject: claims.Subject, Authorities: set})
	return Next(out.WithContext(ctx))
}

// RateLimit throttles per bearer token, or per client address when there
// is none.
type RateLimit struct {
	limiter Limiter
}

func NewRateLimit(l Limiter) *RateLimit {
	return &RateLimit{limiter: l}
}

func (rl *RateLimit) Name() string { return "rate_limit" }

var tooManyRequests = []byte(`{"message":"Too many requests. Please try again later."}`)

func (rl *RateLimit) Admit(r *http.Request, h http.Header) Outcome {
	key := r.Header.Get("Authorization")
	if key == "" {
		key = clientIP(r)
	}
	if key == "" {
		key = "unknown"
	}
	if !rl.limiter.Allow(r.Context(), key) {
		h.Set("Retry-After", "1")
		return Reject(http.StatusTooManyRequests, tooManyRequests)
	}
	return Next(nil)
}

func bearerToken(r *http.Request) (string, bool) {
	v := r.Header.Get("Authorization")
	if !strings.HasPrefix(v, bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(v[len(bearerPrefix):])
	return tok, tok != ""
}

// clientIP is the peer address of the connection. The gateway is the edge,
// so forwarding headers are client-supplied and never consulted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
