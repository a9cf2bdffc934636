package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"gasplant.org/internal/audit"
	"gasplant.org/internal/auth"
	"gasplant.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/auth/login",
	"/auth/register",
	"/auth/initialization/launch",
	"/auth/refresh-token",
	"/auth/logout",
	"/metrics",
	"/healthz",
	"/readyz",
}

// withAuth authenticates every non-public request against the auth
// service. Token failures of any kind get the same 401. The auth
// endpoints read their own bearer tokens.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}

		principal, err := a.auth.AuthenticateToken(r.Context(), token)
		if err != nil {
			if auth.IsTokenFailure(err) {
				obs.Logger().WithFields(logrus.Fields{
					"request_id": RequestIDFromContext(r.Context()),
					"reason":     auth.TokenFailureKind(err),
				}).Info("bearer token refused")
			}
			writeAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = audit.WithActor(ctx, principal.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission guards next with the authorization decision point.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			if err := auth.Authorize(principal, perm); err != nil {
				_ = audit.LogEvent(r.Context(), "auth.access.denied", map[string]any{
					"permission": perm,
					"path":       r.URL.Path,
				})
				writeAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
