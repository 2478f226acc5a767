package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/teamsphere/internal/mcp/handlers"
)

// SessionTracker binds MCP sessions to identities and forgets closed ones.
type SessionTracker interface {
	handlers.SessionBinder
	UnbindSession(sessionID string)
}

// Deps holds shared dependencies injected into MCP handlers.
type Deps struct {
	Notifications handlers.NotificationReader
	Sender        handlers.GeneralSender
	Online        handlers.OnlineLister
	Sessions      SessionTracker
	Version       string
}

// NewServer creates and configures the MCP server with all tools registered.
func NewServer(deps *Deps) *server.MCPServer {
	hooks := &server.Hooks{}
	if deps.Sessions != nil {
		hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
			deps.Sessions.UnbindSession(session.SessionID())
		})
	}

	s := server.NewMCPServer(
		"TeamSphere",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithHooks(hooks),
	)

	registerTools(s, deps)

	return s
}
