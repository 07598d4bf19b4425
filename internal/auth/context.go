package auth

import "context"

type roleKey struct{}

// WithRole stores the authenticated role on the request context.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFrom returns the role stored by WithRole, or "" when unauthenticated.
func RoleFrom(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey{}).(string); ok {
		return v
	}
	return ""
}
