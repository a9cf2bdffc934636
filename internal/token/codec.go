// Package token encodes and decodes the signed claims sets carried in bearer
// tokens. Tokens are compact JWS (header.payload.signature) signed with RS256.
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gasplant.org/internal/keys"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"

	// MaxSize bounds accepted token length before any decoding is attempted.
	MaxSize = 8192
)

var (
	ErrMalformed        = errors.New("token: malformed")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
	ErrCannotSign       = errors.New("token: signing key unavailable")
)

// Claims is the decoded, typed view of a token payload.
type Claims struct {
	ID          string
	Subject     string
	Type        string
	Roles       []string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// wireClaims is the JSON payload layout: sub, roles, permissions, iat, exp.
type wireClaims struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs with the private half of a KeyStore and verifies with the
// public half. A Codec over a verify-only KeyStore cannot Issue.
type Codec struct {
	keys   *keys.KeyStore
	issuer string
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithIssuer sets the iss claim on issued tokens and requires it on verification.
func WithIssuer(issuer string) Option {
	return func(c *Codec) { c.issuer = strings.TrimSpace(issuer) }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec builds a Codec over the given key store.
func NewCodec(ks *keys.KeyStore, opts ...Option) (*Codec, error) {
	if ks == nil || ks.Public() == nil {
		return nil, errors.New("token: key store is required")
	}
	c := &Codec{keys: ks, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue signs claims with a lifetime of ttl starting now. IssuedAt and
// ExpiresAt on the input are ignored.
func (c *Codec) Issue(claims Claims, ttl time.Duration) (string, error) {
	if !c.keys.CanSign() {
		return "", ErrCannotSign
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token: subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("token: ttl must be greater than zero")
	}
	now := c.now().UTC().Truncate(time.Second)
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	wc := wireClaims{
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		TokenType:   claims.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        claims.ID,
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, wc)
	if kid := c.keys.KeyID(); kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(c.keys.Private())
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// VerifySignatureAndParse verifies the RS256 signature against the public
// key and requires now < exp. It fails closed on any irregularity.
func (c *Codec) VerifySignatureAndParse(raw string) (Claims, error) {
	if !StructuralCheck(raw) {
		return Claims{}, ErrMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	var wc wireClaims
	parsed, err := jwt.ParseWithClaims(raw, &wc, func(*jwt.Token) (any, error) {
		return c.keys.Public(), nil
	}, opts...)
	if err != nil {
		return Claims{}, classify(err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidSignature
	}
	return fromWire(wc)
}

// ParseUnverified decodes the payload without checking the signature. Only
// for edge components that attach authorities for downstream use; the
// origin always re-verifies.
func ParseUnverified(raw string) (Claims, error) {
	if !StructuralCheck(raw) {
		return Claims{}, ErrMalformed
	}
	var wc wireClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &wc); err != nil {
		return Claims{}, ErrMalformed
	}
	return fromWire(wc)
}

// StructuralCheck reports whether raw has three non-empty base64url
// segments. It performs no cryptographic work.
func StructuralCheck(raw string) bool {
	if raw == "" || len(raw) > MaxSize {
		return false
	}
	segments := strings.Split(raw, ".")
	if len(segments) != 3 {
		return false
	}
	for _, seg := range segments {
		if seg == "" {
			return false
		}
		if _, err := base64.RawURLEncoding.DecodeString(seg); err != nil {
			return false
		}
	}
	return true
}

func fromWire(wc wireClaims) (Claims, error) {
	if strings.TrimSpace(wc.Subject) == "" {
		return Claims{}, ErrMalformed
	}
	out := Claims{
		ID:          wc.ID,
		Subject:     wc.Subject,
		Type:        wc.TokenType,
		Roles:       wc.Roles,
		Permissions: wc.Permissions,
	}
	if wc.IssuedAt != nil {
		out.IssuedAt = wc.IssuedAt.Time.UTC()
	}
	if wc.ExpiresAt != nil {
		out.ExpiresAt = wc.ExpiresAt.Time.UTC()
	}
	return out, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrInvalidSignature
	}
}
