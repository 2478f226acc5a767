// Package cluster relays live events between teamsphere instances over NATS.
//
// Each instance only knows its own connections. An event for a recipient who
// is not connected locally is published once; every other instance delivers
// it to its own connection, if it has one, and never publishes it again.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/btouchard/teamsphere/internal/config"
	"github.com/btouchard/teamsphere/internal/dispatch"
)

// Local delivers events to connections held by this instance only.
type Local interface {
	DeliverLocal(ctx context.Context, recipient, event string, payload any) dispatch.Outcome
	BroadcastLocal(event string, payload any)
}

// Message is the wire format shared by all instances.
type Message struct {
	Origin    string          `json:"origin"`
	Recipient string          `json:"recipient,omitempty"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

// Bridge implements dispatch.Forwarder on top of a NATS connection.
type Bridge struct {
	nc       *nats.Conn
	instance string
	deliver  string
	bcast    string
	local    Local
	subs     []*nats.Subscription
	ownsConn bool
}

// Connect dials NATS and starts a Bridge for cfg.
func Connect(cfg config.ClusterConfig, local Local) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name("teamsphere"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.NATSUser != "" {
		opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPass))
	}

	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	b := NewBridge(nc, cfg.SubjectPrefix, local)
	b.ownsConn = true
	if err := b.Start(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// NewBridge creates a Bridge over an existing connection. Call Start to
// receive events from other instances.
func NewBridge(nc *nats.Conn, prefix string, local Local) *Bridge {
	if prefix == "" {
		prefix = "teamsphere"
	}
	return &Bridge{
		nc:       nc,
		instance: uuid.NewString(),
		deliver:  prefix + ".deliver",
		bcast:    prefix + ".broadcast",
		local:    local,
	}
}

// Instance returns the id this instance stamps on its messages.
func (b *Bridge) Instance() string {
	return b.instance
}

// Start subscribes to the deliver and broadcast subjects.
func (b *Bridge) Start() error {
	for _, subject := range []string{b.deliver, b.bcast} {
		sub, err := b.nc.Subscribe(subject, b.handleMessage)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	slog.Info("cluster bridge started", "instance", b.instance, "deliver_subject", b.deliver, "broadcast_subject", b.bcast)
	return nil
}

// Forward publishes an event for a recipient connected elsewhere.
func (b *Bridge) Forward(ctx context.Context, recipient, event string, payload any) error {
	return b.publish(ctx, b.deliver, recipient, event, payload)
}

// ForwardBroadcast publishes an event for every connection on other instances.
func (b *Bridge) ForwardBroadcast(ctx context.Context, event string, payload any) error {
	return b.publish(ctx, b.bcast, "", event, payload)
}

func (b *Bridge) publish(ctx context.Context, subject, recipient, event string, payload any) error {
	data, err := b.encode(recipient, event, payload)
	if err != nil {
		return err
	}
	if err := publish(ctx, b.nc, subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (b *Bridge) encode(recipient, event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	data, err := json.Marshal(Message{Origin: b.instance, Recipient: recipient, Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding cluster message: %w", err)
	}
	return data, nil
}

func (b *Bridge) handleMessage(msg *nats.Msg) {
	ctx, span := consume(msg)
	defer span.End()

	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		slog.Warn("malformed cluster message", "subject", msg.Subject, "error", err)
		return
	}
	if m.Origin == b.instance || m.Event == "" {
		return
	}

	switch msg.Subject {
	case b.deliver:
		outcome := b.local.DeliverLocal(ctx, m.Recipient, m.Event, m.Payload)
		slog.Debug("cluster delivery", "identity", m.Recipient, "event", m.Event, "outcome", string(outcome), "origin", m.Origin)
	case b.bcast:
		b.local.BroadcastLocal(m.Event, m.Payload)
	}
}

// Close unsubscribes and, if the bridge dialed it, drains the connection.
func (b *Bridge) Close() error {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Debug("nats unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	b.subs = nil
	if b.ownsConn {
		if err := b.nc.Drain(); err != nil {
			return fmt.Errorf("draining nats: %w", err)
		}
	}
	return nil
}
