package auth

import "context"

type grantKey struct{}

// WithGrant attaches an authenticated grant to ctx.
func WithGrant(ctx context.Context, g Grant) context.Context {
	return context.WithValue(ctx, grantKey{}, g)
}

// FromContext returns the grant attached by WithGrant.
func FromContext(ctx context.Context) (Grant, bool) {
	if ctx == nil {
		return Grant{}, false
	}
	g, ok := ctx.Value(grantKey{}).(Grant)
	return g, ok
}
