// Package auth verifies bearer tokens and carries the caller identity through
// request contexts.
package auth

import "context"

// context key type for storing the caller identity
type identityKey struct{}

// NewContext returns a context carrying userID as the verified caller.
func NewContext(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, identityKey{}, userID)
}

// FromContext returns the caller identity, if one was attached.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	return id, ok && id != ""
}
