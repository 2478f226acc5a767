package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/btouchard/teamsphere/internal/presence"
)

// Inbound event names.
const (
	EventJoin         = "join"
	EventJoinTaskRoom = "joinTaskRoom"
	EventSubmitEdit   = "submitEdit"
	EventLogout       = "logout"

	// EventError is sent back to a client whose event was refused.
	EventError = "error"
)

var errIdentityMismatch = errors.New("identity does not match token")

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// route handles one inbound frame. Failures are reported to the sender and
// never close the connection.
func (h *Hub) route(c *conn, frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		slog.Warn("malformed websocket frame", "handle", string(c.handle), "error", err)
		h.reply(c, "", errors.New("malformed frame"))
		return
	}

	ctx := context.Background()
	var err error
	switch env.Event {
	case EventJoin:
		err = h.handleJoin(c, env.Data)
	case EventJoinTaskRoom:
		err = h.handleJoinTaskRoom(c, env.Data)
	case EventSubmitEdit:
		err = h.handleSubmitEdit(ctx, c, env.Data)
	case EventLogout:
		err = h.handleLogout(ctx, c, env.Data)
	default:
		err = fmt.Errorf("unknown event %q", env.Event)
	}

	if err != nil {
		slog.Warn("websocket event refused", "handle", string(c.handle), "event", env.Event, "error", err)
		h.reply(c, env.Event, err)
	}
}

func (h *Hub) reply(c *conn, event string, cause error) {
	data, err := encode(EventError, ErrorPayload{Event: event, Message: cause.Error()})
	if err != nil {
		return
	}
	_ = c.enqueue(data)
}

func (h *Hub) handleJoin(c *conn, raw json.RawMessage) error {
	identity, err := c.claimedIdentity(stringField(raw, "identity", "email", "userId"))
	if err != nil {
		return err
	}
	return h.presence.Join(c.handle, identity)
}

func (h *Hub) handleJoinTaskRoom(c *conn, raw json.RawMessage) error {
	if h.relay == nil {
		return errors.New("task rooms unavailable")
	}
	return h.relay.JoinTaskRoom(c.handle, stringField(raw, "taskId", "id"))
}

type editFrame struct {
	TaskID         string `json:"taskId"`
	Content        string `json:"content"`
	EditedBy       string `json:"editedBy"`
	EditorIdentity string `json:"editorIdentity"`
}

func (h *Hub) handleSubmitEdit(ctx context.Context, c *conn, raw json.RawMessage) error {
	if h.relay == nil {
		return errors.New("task rooms unavailable")
	}

	var f editFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decoding edit: %w", err)
	}

	claimed := f.EditedBy
	if claimed == "" {
		claimed = f.EditorIdentity
	}
	if claimed == "" {
		claimed, _ = h.presence.Identity(c.handle)
	}
	editor, err := c.claimedIdentity(claimed)
	if err != nil {
		return err
	}

	_, err = h.relay.SubmitEdit(ctx, c.handle, f.TaskID, f.Content, editor)
	return err
}

func (h *Hub) handleLogout(ctx context.Context, c *conn, raw json.RawMessage) error {
	claimed := stringField(raw, "identity", "email", "userId")
	if claimed == "" {
		claimed, _ = h.presence.Identity(c.handle)
	}
	identity, err := c.claimedIdentity(claimed)
	if err != nil {
		return err
	}
	return h.presence.Logout(ctx, c.handle, identity)
}

// claimedIdentity checks a client-supplied identity against the token the
// connection was opened with. Unauthenticated connections are trusted.
func (c *conn) claimedIdentity(claimed string) (string, error) {
	claimed = presence.NormalizeIdentity(claimed)
	if !c.authenticated {
		if claimed == "" {
			return "", presence.ErrEmptyIdentity
		}
		return claimed, nil
	}
	if claimed == "" {
		return c.identity.Email, nil
	}
	if claimed != c.identity.Email {
		return "", errIdentityMismatch
	}
	return claimed, nil
}

// stringField accepts either a bare JSON string or an object carrying the
// value under one of keys.
func stringField(raw json.RawMessage, keys ...string) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, k := range keys {
		if v, ok := obj[k].(string); ok && v != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
