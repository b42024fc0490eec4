package rbac

type Role string
type Action string

const (
	// RoleViewer is an anonymous caller holding the public API key.
	RoleViewer Role = "viewer"
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
)

const (
	ActionViewPublished Action = "view_published"
	ActionSubmitLead    Action = "submit_lead"
	ActionEditDemo      Action = "edit_demo"
	ActionPublish       Action = "publish"
	ActionReadLeads     Action = "read_leads"
	ActionExport        Action = "export"
	ActionAdmin         Action = "admin"
)

var grants = map[Role][]Action{
	RoleViewer: {ActionViewPublished, ActionSubmitLead},
	RoleOwner: {
		ActionViewPublished, ActionSubmitLead,
		ActionEditDemo, ActionPublish, ActionReadLeads, ActionExport,
	},
}

// Can reports whether role may perform action at all. Ownership of the
// individual demo is checked separately by the caller.
func Can(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	for _, granted := range grants[role] {
		if granted == action {
			return true
		}
	}
	return false
}

// Normalize maps a stored role onto a known one. Signed-in accounts
// default to owner.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleOwner, RoleAdmin:
		return Role(role)
	default:
		return RoleOwner
	}
}
