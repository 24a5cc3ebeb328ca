package auth

import "errors"

// Role is a caller's role within its tenant.
type Role string

// Tenant roles.
const (
	// RoleViewer may read devices and entities.
	RoleViewer Role = "viewer"
	// RoleOperator may also write entity values.
	RoleOperator Role = "operator"
	// RoleAdmin may also provision and delete.
	RoleAdmin Role = "admin"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Domain errors for the auth package.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
)
