// Package rbac decides what a document permission allows.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	// ActionManage covers permission grants, the collaboration toggle and
	// version cleanup.
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionComment || action == ActionWrite
	case RoleViewer:
		return action == ActionRead || action == ActionComment
	default:
		return false
	}
}

// Normalize maps unknown permission strings to the empty role, which
// allows nothing.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return ""
	}
}

// Grantable reports whether role may be handed out through the
// permissions endpoint. Ownership is fixed at creation.
func Grantable(role Role) bool {
	return role == RoleViewer || role == RoleEditor
}
