package rbac

// Default policy. Progress and settings routes always act on the caller's own
// records; the *-all permissions let tutors read other learners.
var RolePermissions = map[string][]string{
	"learner": {
		"progress:sync",
		"progress:view-own",
		"progress:reset-own",
		"settings:*",
		"content:view",
		"user:change_password",
	},
	"tutor": {
		"progress:view-own",
		"progress:view-all",
		"settings:*",
		"content:view",
		"users:list",
		"user:change_password",
	},
	"admin": {
		"*", // everything
	},
}

// Roles lists the roles the user endpoints accept.
var Roles = []string{"learner", "tutor", "admin"}

func ValidRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}
