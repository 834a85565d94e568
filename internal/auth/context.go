package auth

import "context"

type principalKey struct{}

// ContextWithPrincipal returns a copy of ctx carrying p. The HTTP layer sets it
// once the bearer token has been verified.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by ContextWithPrincipal.
// A principal without a user is treated as absent.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.User == nil {
		return Principal{}, false
	}
	return p, true
}
