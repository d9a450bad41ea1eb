package rbac

// RoleSpec describes a role the system provisions by default.
type RoleSpec struct {
	Name         string
	Description  string
	IsSuperAdmin bool
	Permissions  []string
}

var defaultResources = []struct {
	name    string
	label   string
	actions []string
}{
	{name: "users", label: "users", actions: []string{"read", "write", "delete", "manage"}},
	{name: "roles", label: "roles", actions: []string{"read", "write", "delete", "manage"}},
	{name: "permissions", label: "permissions", actions: []string{"read", "write", "delete", "manage"}},
	{name: "content", label: "content", actions: []string{"read", "write", "delete", "manage"}},
	{name: "system", label: "system settings", actions: []string{"read", "write", "manage"}},
}

var actionVerbs = map[string]string{
	"read":   "View",
	"write":  "Create or edit",
	"delete": "Delete",
	"manage": "Fully manage",
}

// DefaultPermissions returns the built-in permission catalog.
func DefaultPermissions() []Permission {
	var perms []Permission
	for _, res := range defaultResources {
		for _, action := range res.actions {
			perms = append(perms, Permission{
				Name:        res.name + ":" + action,
				Description: actionVerbs[action] + " " + res.label,
			})
		}
	}
	return perms
}

// DefaultRoles returns the built-in roles.
func DefaultRoles() []RoleSpec {
	return []RoleSpec{
		{
			Name:         "super_admin",
			Description:  "Holds every permission through the super-admin flag",
			IsSuperAdmin: true,
		},
		{
			Name:        "admin",
			Description: "Administers users and content",
			Permissions: []string{"users:manage", "roles:read", "roles:write", "permissions:read", "content:manage", "system:read"},
		},
		{
			Name:        "editor",
			Description: "Manages content",
			Permissions: []string{"content:read", "content:write", "content:delete", "users:read"},
		},
		{
			Name:        "viewer",
			Description: "Read-only access",
			Permissions: []string{"content:read", "users:read"},
		},
	}
}
