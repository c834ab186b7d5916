package authz

import (
	"github.com/rendis/tokaysec/pkg/schema"
)

// Role is a named allow-list of operations.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleWriter Role = "writer"
	RoleReader Role = "reader"
	RoleNone   Role = "none"
)

var roleOperations = map[Role]map[schema.Operation]bool{
	RoleWriter: {
		schema.OpPutSecret:    true,
		schema.OpGetSecret:    true,
		schema.OpListSecrets:  true,
		schema.OpDeleteSecret: true,
		schema.OpListProjects: true,
	},
	RoleReader: {
		schema.OpGetSecret:    true,
		schema.OpListSecrets:  true,
		schema.OpListProjects: true,
	},
	RoleNone: {},
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleWriter, RoleReader, RoleNone:
		return r, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", s)
}

// Allows reports whether the role grants op.
func (r Role) Allows(op schema.Operation) bool {
	if r == RoleAdmin {
		return true
	}
	return roleOperations[r][op]
}
