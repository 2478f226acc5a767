package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/btouchard/teamsphere/internal/auth"
)

// OnlineLister reports the identities connected right now.
type OnlineLister interface {
	Online() []string
}

// OnlineUsers lists the users currently connected, except the caller.
func OnlineUsers(reg OnlineLister) IdentityHandler {
	return func(_ context.Context, caller auth.Identity, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var others []string
		for _, id := range reg.Online() {
			if id != caller.Email {
				others = append(others, id)
			}
		}

		if len(others) == 0 {
			return mcp.NewToolResultText("Nobody else is online."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "🟢 Online (%d)\n\n", len(others))
		for _, id := range others {
			fmt.Fprintf(&sb, "- %s\n", id)
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}
