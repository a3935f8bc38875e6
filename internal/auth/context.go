// Package auth derives the tenant auth context from request credentials and
// gates every data access on it.
package auth

import (
	"context"

	"github.com/partstream/backend/internal/fault"
)

// Role is an organization-scoped permission level.
type Role string

const (
	RoleAnalyst    Role = "analyst"
	RoleEngineer   Role = "engineer"
	RoleAdmin      Role = "admin"
	RoleOwner      Role = "owner"
	RoleSuperAdmin Role = "super_admin"
)

var roleRank = map[Role]int{
	RoleAnalyst:    1,
	RoleEngineer:   2,
	RoleAdmin:      3,
	RoleOwner:      4,
	RoleSuperAdmin: 5,
}

// ParseRole maps a claim string onto a known role; unknown values degrade to
// analyst so a stale token never gains privileges.
func ParseRole(s string) Role {
	r := Role(s)
	if _, ok := roleRank[r]; ok {
		return r
	}
	return RoleAnalyst
}

// AtLeast reports whether r meets the minimum role.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Context is the immutable identity attached to a request. Every repository
// read filters by OrgID unless IsSuperAdmin.
type Context struct {
	UserID       string
	OrgID        string
	Email        string
	Role         Role
	IsSuperAdmin bool
}

// Require returns forbidden when the caller is below the minimum role.
// Super-admins pass every check.
func (c Context) Require(min Role) error {
	if c.IsSuperAdmin {
		return nil
	}
	if !c.Role.AtLeast(min) {
		return fault.Newf(fault.KindForbidden, "auth.require", "role %s required", min)
	}
	return nil
}

// ScopesAll reports whether reads may skip the organization filter.
func (c Context) ScopesAll() bool {
	return c.IsSuperAdmin
}

// CanAccess reports whether the caller may touch a resource owned by orgID.
func (c Context) CanAccess(orgID string) bool {
	return c.IsSuperAdmin || c.OrgID == orgID
}

type contextKey string

const authContextKey contextKey = "auth_context"

// WithContext attaches the auth context to a request context.
func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext extracts the auth context; absence is unauthenticated.
// Super-admins may carry an empty OrgID.
func FromContext(ctx context.Context) (Context, error) {
	ac, ok := ctx.Value(authContextKey).(Context)
	if !ok || (ac.OrgID == "" && !ac.IsSuperAdmin) {
		return Context{}, fault.New(fault.KindUnauthenticated, "auth.context", "auth context missing")
	}
	return ac, nil
}
