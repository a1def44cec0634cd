// ABOUTME: Authenticated principal carried through request context
// ABOUTME: Provides WithPrincipal/FromContext for handlers

package auth

import (
	"context"
)

// Authentication methods recorded on a Principal.
const (
	MethodJWT = "jwt"
	MethodSSH = "ssh"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string // token subject or agent name
	Role    string
	Method  string
}

// IsAgent reports whether the principal authenticated as an agent.
func (p *Principal) IsAgent() bool {
	return p != nil && p.Role == RoleAgent
}

type principalKey struct{}

// WithPrincipal returns a new context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal, or nil for anonymous requests.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
