package server

import (
	"context"

	"github.com/fluxtide/workspace-mcp/internal/session"
)

type contextKey string

const authContextKey contextKey = "workspace-mcp-auth"

// Auth is the authenticated identity attached to an MCP request after
// middleware validation.
type Auth struct {
	SessionID string
	UserEmail string
	Tokens    *session.TokenSet
}

// WithAuth attaches the authenticated identity to the context.
func WithAuth(ctx context.Context, auth *Auth) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}

// AuthFromContext returns the authenticated identity, or nil.
func AuthFromContext(ctx context.Context) *Auth {
	auth, _ := ctx.Value(authContextKey).(*Auth)
	return auth
}
