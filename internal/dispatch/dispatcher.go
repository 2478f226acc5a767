// Package dispatch pushes events to the live connection of a user.
//
// Delivery is best effort: one attempt per call, no retry and no queue. The
// durable notification written by the caller is the record of truth for
// users who are offline.
package dispatch

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/btouchard/teamsphere/internal/presence"
)

// Outcome describes what happened to one live delivery attempt.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Offline   Outcome = "offline"   // no registered connection
	Stale     Outcome = "stale"     // registered handle no longer open
	Failed    Outcome = "failed"    // send attempted and rejected
	Forwarded Outcome = "forwarded" // handed to another instance
)

// Transport writes events to live connections.
type Transport interface {
	Send(h presence.Handle, event string, payload any) error
	IsOpen(h presence.Handle) bool
	Broadcast(event string, payload any, except presence.Handle)
}

// Forwarder relays events to other instances when the recipient is not
// connected to this one.
type Forwarder interface {
	Forward(ctx context.Context, recipient, event string, payload any) error
	ForwardBroadcast(ctx context.Context, event string, payload any) error
}

// Dispatcher resolves recipients through the registry and delivers over the
// transport. It only reads the registry.
type Dispatcher struct {
	registry  *presence.Registry
	transport Transport
	forwarder Forwarder

	deliveries metric.Int64Counter
}

// New creates a Dispatcher.
func New(reg *presence.Registry, transport Transport) *Dispatcher {
	deliveries, err := otel.Meter("github.com/btouchard/teamsphere/internal/dispatch").
		Int64Counter("teamsphere.live_deliveries", metric.WithDescription("Live delivery attempts by outcome"))
	if err != nil {
		slog.Warn("dispatch metric unavailable", "error", err)
		deliveries = noop.Int64Counter{}
	}

	return &Dispatcher{
		registry:   reg,
		transport:  transport,
		deliveries: deliveries,
	}
}

// SetForwarder enables cross-instance delivery. Call before serving traffic.
func (d *Dispatcher) SetForwarder(f Forwarder) {
	d.forwarder = f
}

// DeliverLive pushes payload tagged with event to recipient's live
// connection. It never fails: the returned Outcome is informational.
func (d *Dispatcher) DeliverLive(ctx context.Context, recipient, event string, payload any) Outcome {
	recipient = presence.NormalizeIdentity(recipient)
	outcome := d.deliverLocal(recipient, event, payload)

	if outcome == Offline && d.forwarder != nil {
		if err := d.forwarder.Forward(ctx, recipient, event, payload); err != nil {
			slog.Warn("forwarding live event failed", "identity", recipient, "event", event, "error", err)
		} else {
			outcome = Forwarded
		}
	}

	d.record(ctx, outcome, event, "local")
	return outcome
}

// DeliverLocal delivers only to a connection held by this instance. Used for
// events arriving from other instances, which must not be forwarded again.
func (d *Dispatcher) DeliverLocal(ctx context.Context, recipient, event string, payload any) Outcome {
	outcome := d.deliverLocal(presence.NormalizeIdentity(recipient), event, payload)
	d.record(ctx, outcome, event, "remote")
	return outcome
}

func (d *Dispatcher) deliverLocal(recipient, event string, payload any) Outcome {
	h, ok := d.registry.Resolve(recipient)
	if !ok {
		slog.Debug("recipient offline", "identity", recipient, "event", event)
		return Offline
	}
	if !d.transport.IsOpen(h) {
		slog.Debug("recipient handle stale", "identity", recipient, "handle", string(h), "event", event)
		return Stale
	}
	if err := d.transport.Send(h, event, payload); err != nil {
		slog.Debug("live send failed", "identity", recipient, "handle", string(h), "event", event, "error", err)
		return Failed
	}
	return Delivered
}

// Broadcast sends event to every connection except the given handle, on this
// instance and, when clustered, on the others.
func (d *Dispatcher) Broadcast(ctx context.Context, event string, payload any, except presence.Handle) {
	d.transport.Broadcast(event, payload, except)

	if d.forwarder != nil {
		if err := d.forwarder.ForwardBroadcast(ctx, event, payload); err != nil {
			slog.Warn("forwarding broadcast failed", "event", event, "error", err)
		}
	}
}

// BroadcastLocal sends event to every connection held by this instance.
func (d *Dispatcher) BroadcastLocal(event string, payload any) {
	d.transport.Broadcast(event, payload, "")
}

func (d *Dispatcher) record(ctx context.Context, outcome Outcome, event, origin string) {
	d.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("event", event),
		attribute.String("origin", origin),
	))
}
