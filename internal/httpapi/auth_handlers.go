package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"gasplant.org/internal/auth"
	"gasplant.org/internal/obs"
)

type registerRequest struct {
	FirstName      string  `json:"firstName"`
	LastName       string  `json:"lastName"`
	Email          string  `json:"email"`
	Password       string  `json:"password"`
	Role           string  `json:"role"`
	OrganizationID *string `json:"organizationId,omitempty"`
	DistributorID  *string `json:"distributorId,omitempty"`
}

func (r registerRequest) toAuth() auth.RegisterRequest {
	return auth.RegisterRequest{
		FirstName:      r.FirstName,
		LastName:       r.LastName,
		Email:          r.Email,
		Password:       r.Password,
		Role:           r.Role,
		OrganizationID: blankToNil(r.OrganizationID),
		DistributorID:  blankToNil(r.DistributorID),
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// flexString accepts either a JSON string or a JSON number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type organizationRequest struct {
	Name     string     `json:"name"`
	Reg      flexString `json:"reg"`
	Industry string     `json:"industry"`
	Location string     `json:"location"`
	Contact  flexString `json:"contact"`
}

type launchRequest struct {
	AccessCode   string              `json:"accessCode"`
	Organization organizationRequest `json:"organization"`
	Admin        registerRequest     `json:"admin"`
}

type organizationResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Reg      string `json:"reg,omitempty"`
	Industry string `json:"industry,omitempty"`
	Location string `json:"location,omitempty"`
	Contact  string `json:"contact,omitempty"`
}

type launchResponse struct {
	Organization organizationResponse `json:"organization"`
	tokenResponse
}

func pairResponse(p auth.TokenPair) tokenResponse {
	return tokenResponse{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.auth.Register(r.Context(), req.toAuth())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.auth.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

// handleRefresh answers 200 with an empty body for any refresh token it
// will not honour.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	tok, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	pair, err := a.auth.Refresh(r.Context(), tok)
	if err != nil {
		obs.Logger().WithFields(logrus.Fields{
			"request_id": RequestIDFromContext(r.Context()),
			"reason":     auth.TokenFailureKind(err),
		}).WithError(err).Info("refresh refused")
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

// handleLogout is a no-op for a missing or unusable token.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	tok, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := a.auth.Logout(r.Context(), tok); err != nil && !auth.IsTokenFailure(err) {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req launchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.auth.Initialize(r.Context(), auth.InitRequest{
		AccessCode: req.AccessCode,
		Organization: auth.Organization{
			Name:     req.Organization.Name,
			Reg:      string(req.Organization.Reg),
			Industry: req.Organization.Industry,
			Location: req.Organization.Location,
			Contact:  string(req.Organization.Contact),
		},
		Admin: req.Admin.toAuth(),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	org := res.Organization
	writeJSON(w, http.StatusCreated, launchResponse{
		Organization: organizationResponse{
			ID:       org.ID,
			Name:     org.Name,
			Reg:      org.Reg,
			Industry: org.Industry,
			Location: org.Location,
			Contact:  org.Contact,
		},
		tokenResponse: pairResponse(res.Tokens),
	})
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
