package httpapi

import (
	"errors"
	"net/http"

	"gasplant.org/internal/auth"
	"gasplant.org/internal/obs"
)

// writeAuthError maps the auth error taxonomy onto HTTP. Token failures
// share one body so callers cannot tell them apart.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), auth.IsTokenFailure(err):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrPermissionDenied), errors.Is(err, auth.ErrThreatPatternDetected):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrInvalidAccessCode):
		writeError(w, r, http.StatusForbidden, "invalid access code")
	case errors.Is(err, auth.ErrDuplicateIdentity):
		writeError(w, r, http.StatusConflict, "email already registered")
	case errors.Is(err, auth.ErrAlreadyInitialized):
		writeError(w, r, http.StatusConflict, "already initialized")
	case errors.Is(err, auth.ErrConflictingAffiliation):
		writeError(w, r, http.StatusBadRequest, "user can belong to an organization or a distributor, not both")
	case errors.Is(err, auth.ErrInvalidReference):
		writeError(w, r, http.StatusBadRequest, "unknown role or affiliation")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrRateLimitExceeded):
		writeError(w, r, http.StatusTooManyRequests, "too many requests")
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
