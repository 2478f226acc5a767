// Package ws serves the realtime websocket endpoint.
//
// Every frame is a JSON envelope {"event": "...", "data": ...}. The Hub owns
// the open connections and implements the live transport used by dispatch and
// relay; inbound events are routed to the presence manager and the edit relay.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/btouchard/teamsphere/internal/auth"
	"github.com/btouchard/teamsphere/internal/config"
	"github.com/btouchard/teamsphere/internal/presence"
	"github.com/btouchard/teamsphere/internal/relay"
)

var (
	ErrConnectionGone = errors.New("connection gone")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Hub tracks live websocket connections.
type Hub struct {
	cfg      config.RealtimeConfig
	upgrader websocket.Upgrader
	presence *presence.Manager
	relay    *relay.Relay
	verifier *auth.Verifier

	mu     sync.RWMutex
	conns  map[presence.Handle]*conn
	closed bool
	wg     sync.WaitGroup
}

// NewHub creates a Hub. verifier may be nil, in which case connections are
// never authenticated and realtime.require_auth cannot be honoured.
func NewHub(cfg config.RealtimeConfig, pm *presence.Manager, verifier *auth.Verifier) *Hub {
	h := &Hub{
		cfg:      cfg,
		presence: pm,
		verifier: verifier,
		conns:    make(map[presence.Handle]*conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetRelay attaches the edit relay. Call before serving traffic.
func (h *Hub) SetRelay(r *relay.Relay) {
	h.relay = r
}

// ServeHTTP upgrades the request and starts the connection pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, authenticated, err := h.authenticate(r)
	if err != nil {
		slog.Warn("websocket auth rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{
		hub:           h,
		handle:        presence.Handle(uuid.NewString()),
		ws:            ws,
		send:          make(chan []byte, h.cfg.SendBuffer),
		done:          make(chan struct{}),
		identity:      id,
		authenticated: authenticated,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.conns[c.handle] = c
	h.wg.Add(2)
	h.mu.Unlock()

	h.presence.Connect(c.handle)

	go c.writePump()
	go c.readPump()
}

// authenticate returns the token identity of r. A missing token is fine
// unless the hub requires auth; a bad token is always rejected.
func (h *Hub) authenticate(r *http.Request) (auth.Identity, bool, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}

	if token == "" || h.verifier == nil {
		if h.cfg.RequireAuth {
			return auth.Identity{}, false, fmt.Errorf("missing token: %w", auth.ErrInvalidToken)
		}
		return auth.Identity{}, false, nil
	}

	id, err := h.verifier.Verify(token)
	if err != nil {
		return auth.Identity{}, false, err
	}
	return id, true, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// Send queues one event for h. It never blocks: a full queue is reported as
// ErrSendBufferFull.
func (h *Hub) Send(handle presence.Handle, event string, payload any) error {
	h.mu.RLock()
	c, ok := h.conns[handle]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionGone
	}

	data, err := encode(event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// IsOpen reports whether handle is a live connection of this hub.
func (h *Hub) IsOpen(handle presence.Handle) bool {
	h.mu.RLock()
	c, ok := h.conns[handle]
	h.mu.RUnlock()
	return ok && !c.isClosed()
}

// Broadcast queues event on every connection except one. Connections with a
// full queue miss the event.
func (h *Hub) Broadcast(event string, payload any, except presence.Handle) {
	data, err := encode(event, payload)
	if err != nil {
		slog.Error("encoding broadcast", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for handle, c := range h.conns {
		if handle != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.enqueue(data); err != nil {
			slog.Debug("broadcast skipped connection", "handle", string(c.handle), "event", event, "error", err)
		}
	}
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close closes every connection and waits for their pumps to exit or for
// timeout to elapse.
func (h *Hub) Close(timeout time.Duration) {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("websocket hub close timed out", "open", h.Len())
	}
}

// remove forgets c and releases its presence and room state.
func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.handle)
	h.mu.Unlock()

	if h.relay != nil {
		h.relay.Leave(c.handle)
	}
	h.presence.Disconnect(c.handle)
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", event, err)
	}
	return data, nil
}
