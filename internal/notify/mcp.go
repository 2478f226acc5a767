package notify

import (
	"log/slog"
	"sync"
	"time"
)

// MCPSender abstracts the mcp-go server notification method.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// MCPNotifier forwards notifications to the MCP sessions opened by their
// recipient. Sessions are bound to an identity the first time that identity
// calls a tool.
type MCPNotifier struct {
	sender   MCPSender
	debounce time.Duration

	mu       sync.Mutex
	sessions map[string]map[string]struct{}  // identity → session IDs
	owners   map[string]string               // session ID → identity
	lastSent map[string]map[string]time.Time // recipient → task ID → last status push
}

// NewMCPNotifier creates an MCPNotifier. Status updates for the same task and
// recipient closer together than debounce are collapsed; other kinds are
// always sent. Nothing is sent until SetSender is called.
func NewMCPNotifier(debounce time.Duration) *MCPNotifier {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &MCPNotifier{
		debounce: debounce,
		sessions: make(map[string]map[string]struct{}),
		owners:   make(map[string]string),
		lastSent: make(map[string]map[string]time.Time),
	}
}

// SetSender attaches the MCP server. Call before serving traffic.
func (n *MCPNotifier) SetSender(sender MCPSender) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sender = sender
}

// BindSession associates an MCP session with identity.
func (n *MCPNotifier) BindSession(identity, sessionID string) {
	if identity == "" || sessionID == "" {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if prev, ok := n.owners[sessionID]; ok && prev != identity {
		delete(n.sessions[prev], sessionID)
		if len(n.sessions[prev]) == 0 {
			delete(n.sessions, prev)
		}
	}
	set, ok := n.sessions[identity]
	if !ok {
		set = make(map[string]struct{})
		n.sessions[identity] = set
	}
	set[sessionID] = struct{}{}
	n.owners[sessionID] = identity
}

// UnbindSession forgets a closed MCP session. Debounce state of an identity
// goes with its last session.
func (n *MCPNotifier) UnbindSession(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	identity, ok := n.owners[sessionID]
	if !ok {
		return
	}
	delete(n.owners, sessionID)
	delete(n.sessions[identity], sessionID)
	if len(n.sessions[identity]) == 0 {
		delete(n.sessions, identity)
		delete(n.lastSent, identity)
	}
}

// Notify sends a notifications/message to each session of event.Recipient.
func (n *MCPNotifier) Notify(event Event) {
	n.mu.Lock()
	sender := n.sender
	if sender == nil {
		n.mu.Unlock()
		return
	}
	targets := make([]string, 0, len(n.sessions[event.Recipient]))
	for id := range n.sessions[event.Recipient] {
		targets = append(targets, id)
	}
	if len(targets) > 0 && event.Kind == "task_updated" && !n.admit(event.Recipient, event.TaskID) {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	params := map[string]any{
		"level":  "info",
		"logger": "teamsphere",
		"data": map[string]any{
			"kind":       event.Kind,
			"message":    event.Message,
			"actor":      event.Actor,
			"task_id":    event.TaskID,
			"board_name": event.BoardName,
			"status":     event.Status,
		},
	}

	for _, id := range targets {
		if err := sender.SendNotificationToSpecificClient(id, "notifications/message", params); err != nil {
			slog.Debug("mcp notification failed", "session_id", id, "identity", event.Recipient, "error", err)
		}
	}
}

// admit reports whether a status push for (recipient, taskID) is outside the
// debounce window, and records it if so. Expired entries of recipient are
// dropped on the way. Caller holds n.mu.
func (n *MCPNotifier) admit(recipient, taskID string) bool {
	now := time.Now()
	tasks := n.lastSent[recipient]
	for id, last := range tasks {
		if now.Sub(last) >= n.debounce {
			delete(tasks, id)
		}
	}
	if _, recent := tasks[taskID]; recent {
		return false
	}

	if tasks == nil {
		tasks = make(map[string]time.Time)
		n.lastSent[recipient] = tasks
	}
	tasks[taskID] = now
	return true
}

// debounced returns the number of (recipient, task) pairs in the window.
func (n *MCPNotifier) debounced() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, tasks := range n.lastSent {
		total += len(tasks)
	}
	return total
}
