package normalize

import "strings"

// UserID returns the canonical form of an identity string handed to us by the
// identity provider. Identities are opaque, so only surrounding whitespace is
// removed; case is significant.
func UserID(id string) string {
	return strings.TrimSpace(id)
}

// Content trims surrounding whitespace from message text before it is stored.
func Content(s string) string {
	return strings.TrimSpace(s)
}
