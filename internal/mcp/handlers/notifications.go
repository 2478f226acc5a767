package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/btouchard/teamsphere/internal/auth"
	"github.com/btouchard/teamsphere/internal/notification"
	"github.com/btouchard/teamsphere/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// NotificationReader is the notification service as seen by the tools.
type NotificationReader interface {
	List(ctx context.Context, identity, role string, opts notification.ListOptions) ([]store.NotificationRecord, error)
	MarkAllRead(ctx context.Context, identity string) (int64, error)
	MarkRead(ctx context.Context, id, identity string) error
}

// ListNotifications lists the caller's notifications, newest first. Managers
// see the notifications they sent.
func ListNotifications(notes NotificationReader) IdentityHandler {
	return func(ctx context.Context, caller auth.Identity, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		opts := notification.ListOptions{Limit: defaultListLimit}
		if l, ok := args["limit"].(float64); ok && l > 0 {
			opts.Limit = min(int(l), maxListLimit)
		}
		opts.UnreadOnly, _ = args["unread_only"].(bool)

		records, err := notes.List(ctx, caller.Email, caller.Role, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Cannot list notifications: %s", err)), nil
		}

		if len(records) == 0 {
			return mcp.NewToolResultText("No notifications."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "🔔 Notifications (%d)\n\n", len(records))
		for _, n := range records {
			mark := "•"
			if !n.Read {
				mark = "🆕"
			}
			fmt.Fprintf(&sb, "%s **%s** [%s] %s\n", mark, n.ID, n.Kind, n.Message)

			who := "From: " + n.Actor
			if caller.Role == auth.RoleManager {
				who = "To: " + n.Recipient
			}
			fmt.Fprintf(&sb, "  %s | %s", who, n.CreatedAt.Format("2006-01-02 15:04"))
			if n.BoardName != "" {
				fmt.Fprintf(&sb, " | Board: %s", n.BoardName)
			}
			if n.Status != "" {
				fmt.Fprintf(&sb, " | Status: %s", n.Status)
			}
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// MarkNotificationsRead acknowledges one notification, or all of them when no
// id is given.
func MarkNotificationsRead(notes NotificationReader) IdentityHandler {
	return func(ctx context.Context, caller auth.Identity, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		if id, _ := args["id"].(string); id != "" {
			err := notes.MarkRead(ctx, id, caller.Email)
			if errors.Is(err, store.ErrNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("Notification not found: %s", id)), nil
			}
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Cannot mark notification read: %s", err)), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("Notification %s marked as read.", id)), nil
		}

		n, err := notes.MarkAllRead(ctx, caller.Email)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Cannot mark notifications read: %s", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%d notification(s) marked as read.", n)), nil
	}
}

// GeneralSender sends free-form notifications.
type GeneralSender interface {
	SendGeneral(ctx context.Context, actor auth.Identity, recipient, message string) (*store.NotificationRecord, error)
}

// SendNotification stores a notification for another user and pushes it live.
func SendNotification(sender GeneralSender) IdentityHandler {
	return func(ctx context.Context, caller auth.Identity, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		recipient, _ := args["recipient"].(string)
		if recipient == "" {
			return mcp.NewToolResultError("recipient is required"), nil
		}
		message, _ := args["message"].(string)
		if strings.TrimSpace(message) == "" {
			return mcp.NewToolResultError("message is required"), nil
		}

		n, err := sender.SendGeneral(ctx, caller, recipient, message)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Cannot send notification: %s", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Notification %s sent to %s.", n.ID, n.Recipient)), nil
	}
}
