package rbac

// Role names. Keep these stable; they are part of the operator token contract.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
	RoleService  = "service" // machine callers, opt-in only
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// Known reports whether role is one we issue tokens for.
func Known(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer, RoleService:
		return true
	}
	return false
}
