package cluster

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/btouchard/teamsphere/internal/cluster")

// headerCarrier adapts nats.Header to propagation.TextMapCarrier.
type headerCarrier struct {
	header nats.Header
}

func (c headerCarrier) Get(key string) string { return c.header.Get(key) }

func (c headerCarrier) Set(key, value string) { c.header.Set(key, value) }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.header))
	for k := range c.header {
		keys = append(keys, k)
	}
	return keys
}

// publish sends data on subject inside a producer span, with the trace
// context carried in the message headers.
func publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.Int("messaging.message.payload_size_bytes", len(data)),
		),
	)
	defer span.End()

	header := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{header: header})

	if err := nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: header}); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// consume starts a consumer span continuing the trace carried by msg.
func consume(msg *nats.Msg) (context.Context, trace.Span) {
	ctx := context.Background()
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{header: msg.Header})
	}
	return tracer.Start(ctx, msg.Subject+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
			attribute.Int("messaging.message.payload_size_bytes", len(msg.Data)),
		),
	)
}
