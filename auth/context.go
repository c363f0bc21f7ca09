package auth

import "context"

type identityKey struct{}

// WithIdentity returns a child of ctx bound to id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// RunWithIdentity calls fn with a context bound to id. The binding is
// visible for exactly the dynamic extent of fn and whatever fn hands the
// derived context to; it ends when fn returns.
func RunWithIdentity(ctx context.Context, id Identity, fn func(context.Context) error) error {
	return fn(WithIdentity(ctx, id))
}

// CurrentIdentity returns the identity bound to ctx, if any.
func CurrentIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
