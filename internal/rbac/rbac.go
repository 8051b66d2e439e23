package rbac

type Role string
type Action string

const (
	RoleParty    Role = "party"
	RoleLawyer   Role = "lawyer"
	RoleMediator Role = "mediator"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionUpload Action = "upload"
	ActionReview Action = "review"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMediator:
		return action == ActionRead || action == ActionUpload || action == ActionReview
	case RoleLawyer:
		return action == ActionRead || action == ActionUpload
	case RoleParty:
		return action == ActionRead || action == ActionUpload
	default:
		return false
	}
}

// CanReview reports whether the role may confirm, reject, or annotate a
// document version. Review is reserved for mediators and admins.
func CanReview(role Role) bool {
	return Can(role, ActionReview)
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleParty, RoleLawyer, RoleMediator, RoleAdmin:
		return Role(role)
	default:
		return RoleParty
	}
}
