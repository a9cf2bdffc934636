package httpapi

import (
	"net/http"
	"strings"

	"gasplant.org/internal/auth"
	"gasplant.org/internal/authority"
)

type authorityResponse struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	All         bool     `json:"all,omitempty"`
}

type meResponse struct {
	Subject string `json:"subject"`
	authorityResponse
	// Effective lists every permission the principal holds, with the
	// wildcard expanded against the current catalog.
	Effective []string `json:"effective"`
}

func toAuthority(s authority.Set) authorityResponse {
	out := authorityResponse{
		Roles:       s.Roles,
		Permissions: s.ClaimPermissions(),
		All:         s.All,
	}
	if out.Roles == nil {
		out.Roles = []string{}
	}
	if out.Permissions == nil {
		out.Permissions = []string{}
	}
	return out
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var catalog []string
	if p.Authorities.All {
		var err error
		if catalog, err = a.auth.Permissions(r.Context()); err != nil {
			writeAuthError(w, r, err)
			return
		}
	}
	effective := p.Authorities.Expand(catalog)
	if effective == nil {
		effective = []string{}
	}
	writeJSON(w, http.StatusOK, meResponse{
		Subject:           p.Subject,
		authorityResponse: toAuthority(p.Authorities),
		Effective:         effective,
	})
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.auth.Permissions(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if perms == nil {
		perms = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	set, err := a.auth.ResolveRole(r.Context(), name)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      name,
		"authority": toAuthority(set),
	})
}
