// Copyright (c) 2026 LabGate. All rights reserved.

package sec

// # User Roles

// UserRole represents the authorization level granted to an account.
type UserRole string

const (
	// Unrestricted system access, including account approval
	RoleAdmin UserRole = "admin"

	// Paying member with access to gated resources
	RolePremium UserRole = "premium"

	// Default role for standard registered users
	RoleNormal UserRole = "normal"
)

// # Role Hierarchy

// AtLeast checks if the current role meets or exceeds the required target role.
func (r UserRole) AtLeast(target UserRole) bool {
	return r.level() >= target.level()
}

// Valid reports whether the role is one of the known values.
func (r UserRole) Valid() bool {
	return r.level() > 0
}

// level maps a role to a numeric hierarchy level for comparison logic.
func (r UserRole) level() int {

	// Linear scale (10-40) allows for future intermediate roles
	switch r {
	case RoleAdmin:
		return 40
	case RolePremium:
		return 20
	case RoleNormal:
		return 10
	default:
		return 0
	}
}
