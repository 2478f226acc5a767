package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/teamsphere/internal/dispatch"
)

type call struct {
	recipient string
	event     string
	payload   string
}

type fakeLocal struct {
	mu         sync.Mutex
	delivered  []call
	broadcasts []call
}

func (f *fakeLocal) DeliverLocal(_ context.Context, recipient, event string, payload any) dispatch.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := json.Marshal(payload)
	f.delivered = append(f.delivered, call{recipient: recipient, event: event, payload: string(raw)})
	return dispatch.Delivered
}

func (f *fakeLocal) BroadcastLocal(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := json.Marshal(payload)
	f.broadcasts = append(f.broadcasts, call{event: event, payload: string(raw)})
}

func TestBridge_HandleMessage_DeliversRemoteEvent(t *testing.T) {
	t.Parallel()

	local := &fakeLocal{}
	receiver := NewBridge(nil, "ts", local)
	sender := NewBridge(nil, "ts", &fakeLocal{})

	data, err := sender.encode("bob@x.com", "notification", map[string]string{"message": "hi"})
	require.NoError(t, err)

	receiver.handleMessage(&nats.Msg{Subject: "ts.deliver", Data: data})

	require.Len(t, local.delivered, 1)
	assert.Equal(t, "bob@x.com", local.delivered[0].recipient)
	assert.Equal(t, "notification", local.delivered[0].event)
	assert.JSONEq(t, `{"message":"hi"}`, local.delivered[0].payload)
}

func TestBridge_HandleMessage_IgnoresOwnMessages(t *testing.T) {
	t.Parallel()

	local := &fakeLocal{}
	b := NewBridge(nil, "ts", local)

	data, err := b.encode("bob@x.com", "notification", "hi")
	require.NoError(t, err)
	b.handleMessage(&nats.Msg{Subject: "ts.deliver", Data: data})

	assert.Empty(t, local.delivered)
}

func TestBridge_HandleMessage_Broadcast(t *testing.T) {
	t.Parallel()

	local := &fakeLocal{}
	receiver := NewBridge(nil, "ts", local)
	sender := NewBridge(nil, "ts", &fakeLocal{})

	data, err := sender.encode("", "userOffline", "alice@x.com")
	require.NoError(t, err)
	receiver.handleMessage(&nats.Msg{Subject: "ts.broadcast", Data: data})

	require.Len(t, local.broadcasts, 1)
	assert.Equal(t, "userOffline", local.broadcasts[0].event)
	assert.JSONEq(t, `"alice@x.com"`, local.broadcasts[0].payload)
	assert.Empty(t, local.delivered)
}

func TestBridge_HandleMessage_DropsMalformed(t *testing.T) {
	t.Parallel()

	local := &fakeLocal{}
	b := NewBridge(nil, "ts", local)

	b.handleMessage(&nats.Msg{Subject: "ts.deliver", Data: []byte("{nope")})

	assert.Empty(t, local.delivered)
	assert.Empty(t, local.broadcasts)
}

func TestNewBridge_DefaultPrefix(t *testing.T) {
	t.Parallel()

	b := NewBridge(nil, "", &fakeLocal{})
	assert.Equal(t, "teamsphere.deliver", b.deliver)
	assert.Equal(t, "teamsphere.broadcast", b.bcast)
	assert.NotEmpty(t, b.Instance())
}

func TestHeaderCarrier_RoundTrip(t *testing.T) {
	t.Parallel()

	c := headerCarrier{header: nats.Header{}}
	c.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
