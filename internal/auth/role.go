package auth

import (
	"strings"

	"github.com/google/uuid"
)

// AuthorityPrefix is prepended to a role name to build its authority.
const AuthorityPrefix = "ROLE_"

// Built-in role authorities.
const (
	AuthorityUser      = "ROLE_USER"
	AuthorityAdmin     = "ROLE_ADMIN"
	AuthorityModerator = "ROLE_MODERATOR"
)

// Role is an immutable named permission. Two roles are the same role when
// their ids match.
type Role struct {
	ID        uuid.UUID
	Name      string
	Authority string
}

// NewRole creates a role with a fresh id. The name is canonicalized to upper
// case and the authority is derived from it.
func NewRole(name string) (Role, error) {
	n := CanonicalRoleName(name)
	if n == "" {
		return Role{}, domainErrorf("role name must not be blank")
	}
	return Role{ID: uuid.New(), Name: n, Authority: AuthorityPrefix + n}, nil
}

// CanonicalRoleName trims and upper-cases a role name.
func CanonicalRoleName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Equal reports whether r and other are the same role.
func (r Role) Equal(other Role) bool {
	return r.ID == other.ID
}

// BuiltinRoles returns the roles seeded at startup. Ids are fixed so every
// deployment agrees on them.
func BuiltinRoles() []Role {
	return []Role{
		{ID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440001"), Name: "USER", Authority: AuthorityUser},
		{ID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440002"), Name: "ADMIN", Authority: AuthorityAdmin},
		{ID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440003"), Name: "MODERATOR", Authority: AuthorityModerator},
	}
}
