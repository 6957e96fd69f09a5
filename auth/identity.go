package auth

import "fmt"

// Role determines which change-feed scopes a session is entitled to
type Role string

const (
	RoleAgent      Role = "agent"
	RoleBasicAdmin Role = "basic_admin"
	RoleSuperAdmin Role = "super_admin"
)

// IsAdmin reports whether the role carries the all-bookings admin scope
func (r Role) IsAdmin() bool {
	return r == RoleBasicAdmin || r == RoleSuperAdmin
}

// ParseRole validates a role string
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAgent, RoleBasicAdmin, RoleSuperAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// Identity is the authenticated principal a session acts as.
// Owned by the authentication collaborator; the sync subsystem only reads it.
type Identity struct {
	ID   string
	Role Role
}

// Equal reports whether two identities refer to the same principal and role
func (i Identity) Equal(other Identity) bool {
	return i.ID == other.ID && i.Role == other.Role
}
