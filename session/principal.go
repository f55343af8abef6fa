// Package session manages the cookie-carried session credential: a signed
// JWT holding who the user is, where they were mastered, and whether the
// second factor has been passed.
package session

import (
	"context"

	"github.com/fedgate-dev/fedgate/domain"
)

// UserDetails is the authenticated principal a session credential carries.
type UserDetails struct {
	Username    string
	Name        string
	AuthSource  domain.AuthSource
	Authorities []string
	JwtID       string
	PassedMfa   bool
}

type contextKey struct{}

// WithUserDetails returns a context carrying the authenticated principal.
func WithUserDetails(ctx context.Context, details *UserDetails) context.Context {
	return context.WithValue(ctx, contextKey{}, details)
}

// FromContext extracts the authenticated principal, if any.
func FromContext(ctx context.Context) (*UserDetails, bool) {
	details, ok := ctx.Value(contextKey{}).(*UserDetails)
	return details, ok
}
