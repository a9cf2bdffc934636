package auth

// ManagedResources are the entity kinds that receive CRUD permissions at
// first-time setup.
var ManagedResources = []string{
	"user", "company", "distributor", "employee", "organization", "permission", "region", "role",
}

var crudActions = []string{"create", "read", "update", "delete"}

const (
	PermPermissionRead = "permission:read"
	PermRoleRead       = "role:read"
)

// BuiltinPermissions lists resource:action names for every managed resource.
func BuiltinPermissions() []string {
	out := make([]string, 0, len(ManagedResources)*len(crudActions))
	for _, res := range ManagedResources {
		for _, act := range crudActions {
			out = append(out, res+":"+act)
		}
	}
	return out
}
