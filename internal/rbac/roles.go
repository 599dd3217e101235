package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleLearner    = "learner"
	RoleTeacher    = "teacher"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsAdmin reports whether role may use administrative endpoints.
func IsAdmin(role string) bool { return role == RoleAdmin || role == RoleSuperAdmin }

// CanCall reports whether role may open a signaling channel.
func CanCall(role string) bool { return role == RoleLearner || role == RoleTeacher }

func IsValid(role string) bool {
	switch role {
	case RoleLearner, RoleTeacher, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
