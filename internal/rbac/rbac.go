package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleAnnotator Role = "annotator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionAnnotate Action = "annotate"
	ActionComment  Action = "comment"
	ActionAnalyze  Action = "analyze"
	ActionIngest   Action = "ingest"
)

// Can reports whether role may perform action. Ownership of individual
// annotations and comments is checked separately and applies to admins too.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleAnnotator:
		return action == ActionRead || action == ActionAnnotate || action == ActionComment || action == ActionAnalyze
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAnnotator, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
