// Package httpapi is the origin service's HTTP surface: the auth endpoints,
// the bearer filter in front of everything else, and a few protected
// resources guarded by the authorization decision point.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"gasplant.org/internal/auth"
	"gasplant.org/internal/authority"
	"gasplant.org/internal/obs"
)

const serviceName = "gasplant-api"

// AuthService is what the handlers need from the authentication service.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (auth.TokenPair, error)
	Authenticate(ctx context.Context, email, password string) (auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error)
	Logout(ctx context.Context, accessToken string) error
	AuthenticateToken(ctx context.Context, raw string) (auth.Principal, error)
	Initialize(ctx context.Context, req auth.InitRequest) (auth.InitResult, error)
	ResolveRole(ctx context.Context, name string) (authority.Set, error)
	Permissions(ctx context.Context) ([]string, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness from the database and the session cache.
type ReadyProbe struct {
	DB       *sql.DB
	Sessions pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Sessions != nil {
		return rp.Sessions.Ping(ctx)
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	auth       AuthService
	readyProbe readinessChecker
	version    string
}

func New(svc AuthService, rp readinessChecker, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		auth:       svc,
		readyProbe: rp,
		version:    version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/auth/register", a.handleRegister)
	a.mux.HandleFunc("/auth/login", a.handleLogin)
	a.mux.HandleFunc("/auth/refresh-token", a.handleRefresh)
	a.mux.HandleFunc("/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/auth/initialization/launch", a.handleLaunch)

	a.mux.HandleFunc("GET /v1/me", a.handleMe)
	a.mux.Handle("GET /v1/permissions", RequirePermission(auth.PermPermissionRead)(http.HandlerFunc(a.handlePermissions)))
	a.mux.Handle("GET /v1/roles/{name}", RequirePermission(auth.PermRoleRead)(http.HandlerFunc(a.handleRole)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			obs.Logger().WithError(err).Warn("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
