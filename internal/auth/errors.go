package auth

import (
	"errors"

	"gasplant.org/internal/token"
)

var (
	ErrInvalidCredentials     = errors.New("auth: invalid credentials")
	ErrDuplicateIdentity      = errors.New("auth: identity already registered")
	ErrInvalidReference       = errors.New("auth: invalid reference")
	ErrConflictingAffiliation = errors.New("auth: user can belong to an organization or a distributor, not both")
	ErrRevokedSession         = errors.New("auth: session revoked")
	ErrRateLimitExceeded      = errors.New("auth: rate limit exceeded")
	ErrThreatPatternDetected  = errors.New("auth: threat pattern detected")
	ErrPermissionDenied       = errors.New("auth: permission denied")
	ErrInvalidInput           = errors.New("auth: invalid input")
	ErrNotFound               = errors.New("auth: not found")
	ErrAlreadyInitialized     = errors.New("auth: store already initialized")
	ErrInvalidAccessCode      = errors.New("auth: invalid access code")

	// Token failures are the codec's own values.
	ErrInvalidSignature = token.ErrInvalidSignature
	ErrMalformedToken   = token.ErrMalformed
	ErrExpiredToken     = token.ErrExpired
)

// IsTokenFailure reports whether err means the presented bearer token must
// be refused. Callers answer all of these the same way.
func IsTokenFailure(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrMalformedToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrRevokedSession)
}

// TokenFailureKind names the failure for server-side logs only.
func TokenFailureKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrExpiredToken):
		return "expired"
	case errors.Is(err, ErrRevokedSession):
		return "revoked"
	case errors.Is(err, ErrInvalidSignature):
		return "signature"
	default:
		return "other"
	}
}
