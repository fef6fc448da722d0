// Package identity carries the verified caller identity through request
// contexts. Credential verification happens at the boundary; the core trusts
// what the middleware resolved.
package identity

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type Role string

const (
	RoleCandidate Role = "candidate"
	RoleOperator  Role = "operator"
)

// Identity is the verified caller the boundary layer resolved.
type Identity struct {
	UserID snowflake.ID
	OrgID  snowflake.ID
	Role   Role
}

type identityContextKey struct{}

// WithIdentity stores the caller identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext returns the caller identity, if set.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || id.UserID == 0 {
		return Identity{}, false
	}
	return id, true
}

// UserIDFromContext returns the caller's user id, if set.
func UserIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	id, ok := FromContext(ctx)
	if !ok {
		return 0, false
	}
	return id.UserID, true
}

// IsOperator reports whether the caller carries the operator role. Operators
// bypass entitlement checks; the decision is made once here, not re-derived
// inside each service.
func IsOperator(ctx context.Context) bool {
	id, ok := FromContext(ctx)
	return ok && id.Role == RoleOperator
}

func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleOperator:
		return RoleOperator
	default:
		return RoleCandidate
	}
}
