package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/teamsphere/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	var binder handlers.SessionBinder
	if deps.Sessions != nil {
		binder = deps.Sessions
	}

	// list_notifications: the caller's notifications
	s.AddTool(
		mcp.NewTool("list_notifications",
			mcp.WithDescription("List your notifications, newest first. Managers see the notifications they sent."),
			mcp.WithBoolean("unread_only",
				mcp.Description("Only show notifications not yet read"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of notifications to return (default: 20)"),
			),
		),
		handlers.Authenticated(binder, handlers.ListNotifications(deps.Notifications)),
	)

	// mark_notifications_read: acknowledge one or all notifications
	s.AddTool(
		mcp.NewTool("mark_notifications_read",
			mcp.WithDescription("Mark a notification as read. Without an id, marks all your unread notifications as read."),
			mcp.WithString("id",
				mcp.Description("Notification ID. If omitted, all notifications are marked as read."),
			),
		),
		handlers.Authenticated(binder, handlers.MarkNotificationsRead(deps.Notifications)),
	)

	// online_users: who is connected right now
	s.AddTool(
		mcp.NewTool("online_users",
			mcp.WithDescription("List the users currently connected, excluding yourself."),
		),
		handlers.Authenticated(binder, handlers.OnlineUsers(deps.Online)),
	)

	// send_notification: free-form notification to another user
	s.AddTool(
		mcp.NewTool("send_notification",
			mcp.WithDescription("Send a notification to another user. It is stored and pushed live if they are connected."),
			mcp.WithString("recipient",
				mcp.Required(),
				mcp.Description("Email of the user to notify"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("Notification text"),
			),
		),
		handlers.Authenticated(binder, handlers.SendNotification(deps.Sender)),
	)
}
