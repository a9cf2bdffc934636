package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"gasplant.org/internal/authority"
	"gasplant.org/internal/ids"
)

// Initialize performs first-time setup on an empty store: it seeds the
// CRUD permission catalog, creates the root organization and the
// super-admin role, and registers the first user with that role.
func (s *Service) Initialize(ctx context.Context, req InitRequest) (InitResult, error) {
	empty, err := s.store.IsEmpty(ctx)
	if err != nil {
		return InitResult{}, fmt.Errorf("auth: check store: %w", err)
	}
	if !empty {
		s.record(ctx, "auth.initialization", "failure", logrus.Fields{"reason": "not_empty"})
		return InitResult{}, ErrAlreadyInitialized
	}
	if s.accessCode == "" || subtle.ConstantTimeCompare([]byte(s.accessCode), []byte(req.AccessCode)) != 1 {
		s.record(ctx, "auth.initialization", "failure", logrus.Fields{"reason": "access_code"})
		return InitResult{}, ErrInvalidAccessCode
	}

	org := req.Organization
	org.Name = strings.TrimSpace(org.Name)
	if org.Name == "" {
		return InitResult{}, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	admin := req.Admin
	admin.Email = normalizeEmail(admin.Email)
	admin.Role = authority.SuperAdmin
	admin.DistributorID = nil
	admin.OrganizationID = nil
	if err := validateRegister(admin); err != nil {
		return InitResult{}, err
	}

	if err := s.store.EnsurePermissions(ctx, BuiltinPermissions()); err != nil {
		return InitResult{}, fmt.Errorf("auth: seed permissions: %w", err)
	}
	if org.ID == "" {
		org.ID = ids.New()
	}
	if err := s.store.CreateOrganization(ctx, &org); err != nil {
		return InitResult{}, fmt.Errorf("auth: create organization: %w", err)
	}
	if _, err := s.store.EnsureRole(ctx, authority.SuperAdmin, nil); err != nil {
		return InitResult{}, fmt.Errorf("auth: ensure super-admin role: %w", err)
	}

	admin.OrganizationID = &org.ID
	pair, err := s.Register(ctx, admin)
	if err != nil {
		return InitResult{}, err
	}
	s.record(ctx, "auth.initialization", "success", logrus.Fields{"organization_id": org.ID})
	return InitResult{Organization: org, Tokens: pair}, nil
}
