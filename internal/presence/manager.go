package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// EventUserOffline is broadcast to every other connection when a user logs out.
const EventUserOffline = "userOffline"

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrConnectionClosed  = errors.New("connection logged out")
	ErrEmptyIdentity     = errors.New("identity is required")
)

// State is the lifecycle state of one connection handle.
type State string

const (
	StateConnecting State = "connecting"
	StateIdentified State = "identified"
	StateLoggedOut  State = "logged_out"
	StateClosed     State = "closed" // terminal, never stored
)

// Broadcaster pushes an event to every live connection except one.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload any, except Handle)
}

type connState struct {
	state    State
	identity string
}

// Manager drives per-connection presence transitions and is the only writer
// of its Registry.
type Manager struct {
	mu    sync.Mutex
	conns map[Handle]*connState

	registry    *Registry
	broadcaster Broadcaster

	connections metric.Int64UpDownCounter
	transitions metric.Int64Counter
}

// NewManager creates a Manager that owns reg.
func NewManager(reg *Registry) *Manager {
	meter := otel.Meter("github.com/btouchard/teamsphere/internal/presence")

	connections, err := meter.Int64UpDownCounter("teamsphere.connections",
		metric.WithDescription("Open realtime connections"))
	if err != nil {
		slog.Warn("presence metric unavailable", "error", err)
		connections = noop.Int64UpDownCounter{}
	}
	transitions, err := meter.Int64Counter("teamsphere.presence.transitions",
		metric.WithDescription("Presence state transitions"))
	if err != nil {
		slog.Warn("presence metric unavailable", "error", err)
		transitions = noop.Int64Counter{}
	}

	return &Manager{
		conns:       make(map[Handle]*connState),
		registry:    reg,
		connections: connections,
		transitions: transitions,
	}
}

// SetBroadcaster sets the sink for userOffline events.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	m.broadcaster = b
	m.mu.Unlock()
}

// Registry returns the registry this manager writes to.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Connect starts tracking h in the Connecting state.
func (m *Manager) Connect(h Handle) {
	m.mu.Lock()
	if _, exists := m.conns[h]; exists {
		m.mu.Unlock()
		return
	}
	m.conns[h] = &connState{state: StateConnecting}
	m.mu.Unlock()

	m.connections.Add(context.Background(), 1)
	m.record(StateConnecting)
	slog.Debug("connection opened", "handle", string(h))
}

// Join identifies h as identity and registers it, replacing any earlier
// handle for the same identity.
func (m *Manager) Join(h Handle, identity string) error {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return ErrEmptyIdentity
	}

	m.mu.Lock()
	cs, ok := m.conns[h]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownConnection
	}
	if cs.state == StateLoggedOut {
		m.mu.Unlock()
		return ErrConnectionClosed
	}

	// A handle re-joining under another identity drops its old binding.
	if cs.identity != "" && cs.identity != identity {
		if current, ok := m.registry.Resolve(cs.identity); ok && current == h {
			m.registry.UnregisterByIdentity(cs.identity)
		}
	}

	previous, replaced := m.registry.Resolve(identity)
	m.registry.Register(identity, h)
	cs.state = StateIdentified
	cs.identity = identity
	m.mu.Unlock()

	m.record(StateIdentified)
	if replaced && previous != h {
		slog.Debug("registration replaced", "identity", identity, "handle", string(h), "previous_handle", string(previous))
	}
	slog.Info("user online", "identity", identity, "handle", string(h))
	return nil
}

// Logout clears identity from the registry whatever handle it holds, moves h
// to LoggedOut and broadcasts userOffline to every other connection.
func (m *Manager) Logout(ctx context.Context, h Handle, identity string) error {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return ErrEmptyIdentity
	}

	m.mu.Lock()
	cs, ok := m.conns[h]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownConnection
	}
	m.registry.UnregisterByIdentity(identity)
	if cs.identity != "" && cs.identity != identity {
		if current, ok := m.registry.Resolve(cs.identity); ok && current == h {
			m.registry.UnregisterByIdentity(cs.identity)
		}
	}
	cs.state = StateLoggedOut
	b := m.broadcaster
	m.mu.Unlock()

	m.record(StateLoggedOut)
	slog.Info("user logged out", "identity", identity, "handle", string(h))

	if b != nil {
		b.Broadcast(ctx, EventUserOffline, identity, h)
	}
	return nil
}

// LogoutIdentity is Logout without a known connection, as used by an HTTP
// logout. The handle registered for identity, if any, moves to LoggedOut.
// It reports whether identity was online.
func (m *Manager) LogoutIdentity(ctx context.Context, identity string) bool {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return false
	}

	m.mu.Lock()
	h, online := m.registry.Resolve(identity)
	m.registry.UnregisterByIdentity(identity)
	if cs, ok := m.conns[h]; online && ok {
		cs.state = StateLoggedOut
	}
	b := m.broadcaster
	m.mu.Unlock()

	if online {
		m.record(StateLoggedOut)
	}
	slog.Info("user logged out", "identity", identity, "was_online", online)

	if b != nil {
		b.Broadcast(ctx, EventUserOffline, identity, h)
	}
	return online
}

// Disconnect closes h. Any registry entry still pointing at h is removed;
// entries that moved on to a newer handle are kept.
func (m *Manager) Disconnect(h Handle) {
	m.mu.Lock()
	cs, ok := m.conns[h]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, h)
	var removed []string
	if cs.state != StateConnecting {
		removed = m.registry.UnregisterByHandle(h)
	}
	m.mu.Unlock()

	m.connections.Add(context.Background(), -1)
	m.record(StateClosed)
	for _, identity := range removed {
		slog.Info("user offline", "identity", identity, "handle", string(h))
	}
	slog.Debug("connection closed", "handle", string(h), "from_state", string(cs.state))
}

// State returns the current state of h. Unknown handles report Closed.
func (m *Manager) State(h Handle) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.conns[h]
	if !ok {
		return StateClosed
	}
	return cs.state
}

// Identity returns the identity h joined as, if any.
func (m *Manager) Identity(h Handle) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.conns[h]
	if !ok || cs.identity == "" {
		return "", false
	}
	return cs.identity, true
}

// Tracked returns the number of open handles.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) record(s State) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", string(s))))
}
