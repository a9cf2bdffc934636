package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"gasplant.org/internal/audit"
	"gasplant.org/internal/authority"
	"gasplant.org/internal/ids"
	"gasplant.org/internal/obs"
	"gasplant.org/internal/session"
	"gasplant.org/internal/token"
)

const (
	defaultAccessTTL  = 24 * time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Service issues, refreshes and validates tokens and keeps the session
// cache in step with the persisted token records.
type Service struct {
	store    Store
	codec    *token.Codec
	sessions session.Cache
	resolver *authority.Resolver
	now      func() time.Time

	accessTTL  time.Duration
	refreshTTL time.Duration
	accessCode string
	bcryptCost int

	dummyOnce sync.Once
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithAccessCode sets the code required by Initialize. Without it
// initialization is refused.
func WithAccessCode(code string) ServiceOption {
	return func(s *Service) error {
		s.accessCode = strings.TrimSpace(code)
		return nil
	}
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("auth: bcrypt cost %d out of range", cost)
		}
		s.bcryptCost = cost
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, codec *token.Codec, sessions session.Cache, opts ...ServiceOption) (*Service, error) {
	if store == nil || codec == nil || sessions == nil {
		return nil, errors.New("auth: store, codec and session cache are required")
	}
	svc := &Service{
		store:      store,
		codec:      codec,
		sessions:   sessions,
		resolver:   authority.NewResolver(roleLookup{store: store}),
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Register creates a user and signs them in.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (TokenPair, error) {
	req.Email = normalizeEmail(req.Email)
	if err := validateRegister(req); err != nil {
		return TokenPair{}, err
	}
	// checked before any lookup so a conflicting request never touches the store
	if req.OrganizationID != nil && req.DistributorID != nil {
		return TokenPair{}, ErrConflictingAffiliation
	}

	exists, err := s.store.EmailExists(ctx, req.Email)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: check email: %w", err)
	}
	if exists {
		return TokenPair{}, ErrDuplicateIdentity
	}
	if req.OrganizationID != nil {
		ok, err := s.store.OrganizationExists(ctx, *req.OrganizationID)
		if err != nil {
			return TokenPair{}, fmt.Errorf("auth: check organization: %w", err)
		}
		if !ok {
			return TokenPair{}, fmt.Errorf("%w: organization %q", ErrInvalidReference, *req.OrganizationID)
		}
	}
	if req.DistributorID != nil {
		ok, err := s.store.DistributorExists(ctx, *req.DistributorID)
		if err != nil {
			return TokenPair{}, fmt.Errorf("auth: check distributor: %w", err)
		}
		if !ok {
			return TokenPair{}, fmt.Errorf("%w: distributor %q", ErrInvalidReference, *req.DistributorID)
		}
	}
	role, err := s.store.LookupRole(ctx, req.Role)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, fmt.Errorf("%w: role %q", ErrInvalidReference, req.Role)
		}
		return TokenPair{}, fmt.Errorf("auth: lookup role: %w", err)
	}

	hash, err := hashPasswordCost(req.Password, s.bcryptCost)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: hash password: %w", err)
	}
	user := &User{
		ID:             ids.New(),
		Email:          req.Email,
		FirstName:      strings.TrimSpace(req.FirstName),
		LastName:       strings.TrimSpace(req.LastName),
		PasswordHash:   hash,
		Role:           role.Name,
		OrganizationID: req.OrganizationID,
		DistributorID:  req.DistributorID,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return TokenPair{}, err
	}

	set, err := s.resolver.Resolve(ctx, user.Role)
	if err != nil {
		return TokenPair{}, s.mapResolveErr(err)
	}
	pair, err := s.establish(ctx, *user, set)
	if err != nil {
		return TokenPair{}, err
	}
	s.record(ctx, "auth.register", "success", logrus.Fields{"email": user.Email, "role": user.Role})
	return pair, nil
}

// Authenticate checks credentials and replaces every prior session of the
// user with a fresh one. Unknown users and wrong passwords fail identically.
func (s *Service) Authenticate(ctx context.Context, email, password string) (TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		s.record(ctx, "auth.login", "failure", nil)
		return TokenPair{}, ErrInvalidCredentials
	}
	user, err := s.store.LookupUser(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return TokenPair{}, fmt.Errorf("auth: lookup user: %w", err)
		}
		// equalize timing with the wrong-password path
		_ = VerifyPassword(s.placeholderHash(), password)
		s.record(ctx, "auth.login", "failure", nil)
		return TokenPair{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		s.record(ctx, "auth.login", "failure", logrus.Fields{"email": email})
		return TokenPair{}, ErrInvalidCredentials
	}

	set, err := s.resolver.Resolve(ctx, user.Role)
	if err != nil {
		return TokenPair{}, s.mapResolveErr(err)
	}
	if err := s.store.RevokeUserTokens(ctx, user.ID); err != nil {
		return TokenPair{}, fmt.Errorf("auth: revoke prior tokens: %w", err)
	}
	pair, err := s.establish(ctx, user, set)
	if err != nil {
		return TokenPair{}, err
	}
	s.record(ctx, "auth.login", "success", logrus.Fields{"email": email})
	return pair, nil
}

// Refresh issues a new access token from a valid refresh token. Authorities
// come from the user's current role, never from the refresh token, and the
// refresh token itself is returned unchanged.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.codec.VerifySignatureAndParse(refreshToken)
	if err != nil {
		s.record(ctx, "auth.refresh", "failure", logrus.Fields{"reason": TokenFailureKind(err)})
		return TokenPair{}, err
	}
	if claims.Type != token.TypeRefresh {
		s.record(ctx, "auth.refresh", "failure", logrus.Fields{"reason": "token_type"})
		return TokenPair{}, ErrInvalidSignature
	}
	user, err := s.store.LookupUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidSignature
		}
		return TokenPair{}, fmt.Errorf("auth: lookup user: %w", err)
	}
	set, err := s.resolver.Resolve(ctx, user.Role)
	if err != nil {
		return TokenPair{}, s.mapResolveErr(err)
	}

	access, accessExp, err := s.issue(user.Email, token.TypeAccess, set, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RevokeUserTokens(ctx, user.ID); err != nil {
		return TokenPair{}, fmt.Errorf("auth: revoke prior tokens: %w", err)
	}
	if err := s.persist(ctx, user, access, accessExp, set); err != nil {
		return TokenPair{}, err
	}
	s.record(ctx, "auth.refresh", "success", logrus.Fields{"email": user.Email})
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: claims.ExpiresAt,
	}, nil
}

// Logout ends the session bound to accessToken. Expired tokens may still be
// logged out; repeated calls succeed.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.codec.VerifySignatureAndParse(accessToken)
	if err != nil && !errors.Is(err, ErrExpiredToken) {
		return err
	}
	if err := s.sessions.Invalidate(ctx, accessToken); err != nil {
		return fmt.Errorf("auth: invalidate session: %w", err)
	}
	if err := s.store.RevokeToken(ctx, accessToken); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("auth: revoke token: %w", err)
	}
	s.record(ctx, "auth.logout", "success", logrus.Fields{"email": claims.Subject})
	return nil
}

// AuthenticateToken is the origin-side check of a bearer token: signature
// and expiry first, then the session cache, then the persisted record.
func (s *Service) AuthenticateToken(ctx context.Context, raw string) (Principal, error) {
	claims, err := s.codec.VerifySignatureAndParse(raw)
	if err != nil {
		return Principal{}, err
	}
	if claims.Type == token.TypeRefresh {
		return Principal{}, ErrInvalidSignature
	}

	entry, hit, err := s.sessions.Get(ctx, raw)
	if err != nil {
		obs.Logger().WithError(err).Warn("session cache lookup failed, using token store")
		hit = false
	}
	if hit {
		if entry.Username != claims.Subject {
			obs.SessionLookups.WithLabelValues("miss").Inc()
			return Principal{}, ErrRevokedSession
		}
		obs.SessionLookups.WithLabelValues("fast").Inc()
		return Principal{
			Subject:     claims.Subject,
			Authorities: authority.FromClaims(entry.Roles, entry.Permissions),
		}, nil
	}

	rec, err := s.store.FindToken(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.SessionLookups.WithLabelValues("miss").Inc()
			return Principal{}, ErrRevokedSession
		}
		return Principal{}, fmt.Errorf("auth: find token: %w", err)
	}
	if !rec.Valid(s.now()) {
		obs.SessionLookups.WithLabelValues("miss").Inc()
		return Principal{}, ErrRevokedSession
	}
	obs.SessionLookups.WithLabelValues("slow").Inc()
	return Principal{
		Subject:     claims.Subject,
		Authorities: authority.FromClaims(claims.Roles, claims.Permissions),
	}, nil
}

// ResolveRole exposes the effective authority of a role by name.
func (s *Service) ResolveRole(ctx context.Context, name string) (authority.Set, error) {
	set, err := s.resolver.Resolve(ctx, name)
	if err != nil {
		if errors.Is(err, authority.ErrUnknownRole) {
			return authority.Set{}, ErrNotFound
		}
		return authority.Set{}, err
	}
	return set, nil
}

// Permissions lists the permission catalog.
func (s *Service) Permissions(ctx context.Context) ([]string, error) {
	return s.store.ListPermissions(ctx)
}

// establish issues a pair for user and records the access token in both
// the token store and the session cache.
func (s *Service) establish(ctx context.Context, user User, set authority.Set) (TokenPair, error) {
	access, accessExp, err := s.issue(user.Email, token.TypeAccess, set, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.issue(user.Email, token.TypeRefresh, set, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.persist(ctx, user, access, accessExp, set); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) issue(subject, typ string, set authority.Set, ttl time.Duration) (string, time.Time, error) {
	raw, err := s.codec.Issue(token.Claims{
		Subject:     subject,
		Type:        typ,
		Roles:       set.Roles,
		Permissions: set.ClaimPermissions(),
	}, ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: issue %s token: %w", typ, err)
	}
	// persist the exp the codec stamped
	issued, err := token.ParseUnverified(raw)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: read issued %s token: %w", typ, err)
	}
	return raw, issued.ExpiresAt, nil
}

func (s *Service) persist(ctx context.Context, user User, access string, exp time.Time, set authority.Set) error {
	rec := TokenRecord{
		ID:        ids.New(),
		UserID:    user.ID,
		Token:     access,
		Type:      TokenTypeBearer,
		IssuedAt:  s.now().UTC(),
		ExpiresAt: exp,
	}
	if err := s.store.SaveToken(ctx, rec); err != nil {
		return fmt.Errorf("auth: save token: %w", err)
	}
	entry := session.Entry{
		Username:    user.Email,
		Roles:       set.Roles,
		Permissions: set.ClaimPermissions(),
	}
	if err := s.sessions.Put(ctx, access, entry, s.accessTTL); err != nil {
		return fmt.Errorf("auth: store session: %w", err)
	}
	return nil
}

func (s *Service) mapResolveErr(err error) error {
	if errors.Is(err, authority.ErrUnknownRole) {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return fmt.Errorf("auth: resolve authorities: %w", err)
}

func (s *Service) placeholderHash() string {
	s.dummyOnce.Do(func() {
		h, err := hashPasswordCost("gasplant-placeholder", s.bcryptCost)
		if err == nil {
			s.dummyHash = h
		}
	})
	return s.dummyHash
}

func (s *Service) record(ctx context.Context, event, outcome string, fields logrus.Fields) {
	obs.AuthEvents.WithLabelValues(event, outcome).Inc()
	payload := map[string]any{"outcome": outcome}
	for k, v := range fields {
		payload[k] = v
	}
	if err := audit.LogEvent(ctx, event, payload); err != nil {
		obs.Logger().WithError(err).Warn("audit log failed")
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateRegister(req RegisterRequest) error {
	switch {
	case req.Email == "":
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	case req.Password == "":
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	case strings.TrimSpace(req.Role) == "":
		return fmt.Errorf("%w: role is required", ErrInvalidInput)
	case strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "":
		return fmt.Errorf("%w: first and last name are required", ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(req.Email); err != nil || addr.Address != req.Email {
		return fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	if len(req.Password) > 72 {
		return fmt.Errorf("%w: password exceeds 72 bytes", ErrInvalidInput)
	}
	return nil
}

// roleLookup adapts Store to authority.RoleLookup.
type roleLookup struct {
	store Store
}

func (l roleLookup) LookupRole(ctx context.Context, name string) (authority.Role, error) {
	role, err := l.store.LookupRole(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return authority.Role{}, fmt.Errorf("%w: %s", authority.ErrUnknownRole, name)
		}
		return authority.Role{}, err
	}
	return authority.Role{Name: role.Name, Permissions: role.Permissions}, nil
}
