package auth

// Authorize grants iff the principal's authorities contain permission or
// carry the super-admin grant.
func Authorize(p Principal, permission string) error {
	if p.Subject == "" || !p.Authorities.Allows(permission) {
		return ErrPermissionDenied
	}
	return nil
}
