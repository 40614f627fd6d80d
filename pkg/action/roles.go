package action

// Group roles, lowest to highest.
const (
	RoleParticipant = "participant"
	RoleModerator   = "moderator"
	RoleAdmin       = "admin"
)

// CanChangeRole reports whether a member with role mine may change the role of
// a member holding target.
func CanChangeRole(mine, target string) bool {
	switch mine {
	case RoleAdmin:
		return target != RoleAdmin
	case RoleModerator:
		return target == RoleParticipant
	}
	return false
}

// CanKick applies the same rule as CanChangeRole; nobody kicks themselves.
// Ban and unban follow it too.
func CanKick(mine, target string, self bool) bool {
	if self {
		return false
	}
	return CanChangeRole(mine, target)
}

// CanAdd reports whether role mine may add members.
func CanAdd(mine string) bool {
	return mine == RoleAdmin || mine == RoleModerator
}

// ValidRole reports whether role is a known group role.
func ValidRole(role string) bool {
	return role == RoleParticipant || role == RoleModerator || role == RoleAdmin
}
