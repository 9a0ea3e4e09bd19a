package accounts

import "strings"

// Role is a role name shared with the credential authority.
type Role string

const (
	RoleSystemAdmin      Role = "SystemAdmin"
	RoleInstitutionOwner Role = "InstitutionOwner"
	RoleInstitutionAdmin Role = "InstitutionAdmin"
	RoleTeacher          Role = "Teacher"
	RoleStudent          Role = "Student"
	RoleParent           Role = "Parent"
)

// IsValid checks if the role is one of the predefined roles
func (r Role) IsValid() bool {
	switch r {
	case RoleSystemAdmin, RoleInstitutionOwner, RoleInstitutionAdmin,
		RoleTeacher, RoleStudent, RoleParent:
		return true
	default:
		return false
	}
}

// IsPrivileged reports whether the role bypasses maintenance mode.
func (r Role) IsPrivileged() bool {
	switch r {
	case RoleSystemAdmin, RoleInstitutionAdmin, RoleInstitutionOwner:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// ParseRole matches a role name case-insensitively.
func ParseRole(s string) (Role, bool) {
	for _, r := range []Role{RoleSystemAdmin, RoleInstitutionOwner, RoleInstitutionAdmin, RoleTeacher, RoleStudent, RoleParent} {
		if strings.EqualFold(string(r), strings.TrimSpace(s)) {
			return r, true
		}
	}
	return "", false
}

// HasAnyRole reports whether any of the granted roles is in wanted.
func HasAnyRole(granted []Role, wanted ...Role) bool {
	for _, g := range granted {
		for _, w := range wanted {
			if g == w {
				return true
			}
		}
	}
	return false
}

// AnyPrivileged reports whether one of the roles bypasses maintenance mode.
func AnyPrivileged(roles []Role) bool {
	for _, r := range roles {
		if r.IsPrivileged() {
			return true
		}
	}
	return false
}

// rolePriority orders roles from most to least privileged when a single
// primary role has to be reported.
var rolePriority = []Role{
	RoleSystemAdmin,
	RoleInstitutionOwner,
	RoleInstitutionAdmin,
	RoleTeacher,
	RoleParent,
	RoleStudent,
}

// PrimaryRole picks the most privileged granted role.
func PrimaryRole(roles []Role) Role {
	for _, p := range rolePriority {
		for _, r := range roles {
			if r == p {
				return r
			}
		}
	}
	return ""
}
