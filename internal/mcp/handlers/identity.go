package handlers

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/teamsphere/internal/auth"
)

// SessionBinder records which identity owns an MCP session so notifications
// can be pushed to it.
type SessionBinder interface {
	BindSession(identity, sessionID string)
}

// IdentityHandler is a tool handler that runs for an authenticated caller.
type IdentityHandler func(ctx context.Context, caller auth.Identity, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Authenticated resolves the caller from ctx, binds the MCP session to it and
// runs h. Calls without an identity get an error result.
func Authenticated(binder SessionBinder, h IdentityHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, ok := auth.IdentityFrom(ctx)
		if !ok {
			return mcp.NewToolResultError("authentication required"), nil
		}

		if binder != nil {
			if sess := server.ClientSessionFromContext(ctx); sess != nil {
				binder.BindSession(caller.Email, sess.SessionID())
			}
		}
		return h(ctx, caller, req)
	}
}
