package auth

import "slices"

type requirementKind int

const (
	requireRole requirementKind = iota + 1
	requirePermission
)

// Requirement is one elementary authorization check. Build it with
// RoleEquals or HasPermission.
type Requirement struct {
	kind       requirementKind
	role       Role
	permission string
}

// RoleEquals matches the principal's role exactly. Roles are flat: Admin does
// not satisfy a Manager requirement.
func RoleEquals(role Role) Requirement {
	return Requirement{kind: requireRole, role: role}
}

func HasPermission(permission string) Requirement {
	return Requirement{kind: requirePermission, permission: permission}
}

func (r Requirement) String() string {
	switch r.kind {
	case requireRole:
		return "role=" + string(r.role)
	case requirePermission:
		return "permission=" + r.permission
	default:
		return "invalid"
	}
}

// Decision is the outcome of a policy evaluation. A deny carries the reason
// and the first requirement that failed.
type Decision struct {
	Allowed bool
	Reason  error
	Failed  Requirement
}

// Evaluate checks every requirement against the principal; all of them must
// hold. No requirements means any authenticated principal is allowed.
func Evaluate(principal Principal, requirements ...Requirement) Decision {
	for _, requirement := range requirements {
		switch requirement.kind {
		case requireRole:
			if principal.Role != requirement.role {
				return Decision{Reason: ErrInsufficientRole, Failed: requirement}
			}
		case requirePermission:
			if !slices.Contains(principal.Permissions, requirement.permission) {
				return Decision{Reason: ErrInsufficientPermission, Failed: requirement}
			}
		default:
			return Decision{Reason: ErrInsufficientPermission, Failed: requirement}
		}
	}

	return Decision{Allowed: true}
}
