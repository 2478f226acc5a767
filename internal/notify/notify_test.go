package notify

import (
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/teamsphere/internal/config"
)

type countingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (c *countingNotifier) Notify(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestHub_Notify_FansOutToAllNotifiers(t *testing.T) {
	t.Parallel()

	a, b := &countingNotifier{}, &countingNotifier{}
	hub := NewHub(a, b)

	hub.Notify(Event{Kind: "general", Recipient: "bob@x.com"})
	hub.Notify(Event{Kind: "general", Recipient: "bob@x.com"})
	hub.Wait()

	assert.Equal(t, 2, a.count())
	assert.Equal(t, 2, b.count())
}

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

type fakeSMTP struct {
	mu   sync.Mutex
	err  error
	sent []sentMail
	hits int
}

func (f *fakeSMTP) send(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
	return nil
}

func testEmailConfig() config.EmailConfig {
	return config.EmailConfig{
		Enabled:         true,
		SMTPHost:        "smtp.test.com",
		SMTPPort:        2525,
		From:            "noreply@test.com",
		FromName:        "Task Manager",
		Events:          []string{"task_created"},
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	}
}

func TestEmailNotifier_Notify_SendsComposedMessage(t *testing.T) {
	t.Parallel()

	fake := &fakeSMTP{}
	n := NewEmailNotifier(testEmailConfig())
	n.SetSendFunc(fake.send)

	n.Notify(Event{
		Kind:      "task_created",
		Recipient: "bob@x.com",
		Actor:     "alice@x.com",
		Message:   "New task assigned: Ship it",
		TaskTitle: "Ship it",
		BoardName: "Release",
	})

	require.Len(t, fake.sent, 1)
	m := fake.sent[0]
	assert.Equal(t, "smtp.test.com:2525", m.addr)
	assert.Equal(t, "noreply@test.com", m.from)
	assert.Equal(t, []string{"bob@x.com"}, m.to)
	assert.Contains(t, m.msg, "Subject: New Task Assigned: Ship it")
	assert.Contains(t, m.msg, "bob@x.com")
	assert.Contains(t, m.msg, "New task assigned: Ship it")
	assert.Contains(t, m.msg, "Board: Release")
	assert.True(t, strings.Contains(m.msg, "Message-Id:") || strings.Contains(m.msg, "Message-ID:"))
}

func TestEmailNotifier_Notify_SkipsDisabledKinds(t *testing.T) {
	t.Parallel()

	fake := &fakeSMTP{}
	n := NewEmailNotifier(testEmailConfig())
	n.SetSendFunc(fake.send)

	n.Notify(Event{Kind: "task_updated", Recipient: "bob@x.com", Message: "moved"})

	assert.Equal(t, 0, fake.hits)
}

func TestEmailNotifier_Notify_BreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()

	fake := &fakeSMTP{err: errors.New("connection refused")}
	n := NewEmailNotifier(testEmailConfig())
	n.SetSendFunc(fake.send)

	for range 5 {
		n.Notify(Event{Kind: "task_created", Recipient: "bob@x.com", Message: "hi"})
	}

	assert.Equal(t, 2, fake.hits, "breaker stops calling the relay after consecutive failures")
}

type fakeMCP struct {
	mu   sync.Mutex
	sent map[string]int
}

func (f *fakeMCP) SendNotificationToSpecificClient(sessionID, method string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if method != "notifications/message" {
		return errors.New("unexpected method")
	}
	f.sent[sessionID]++
	return nil
}

func TestMCPNotifier_Notify_OnlyReachesRecipientSessions(t *testing.T) {
	t.Parallel()

	sender := &fakeMCP{sent: make(map[string]int)}
	n := NewMCPNotifier(time.Minute)
	n.SetSender(sender)
	n.BindSession("bob@x.com", "s-bob")
	n.BindSession("carol@x.com", "s-carol")

	n.Notify(Event{Kind: "general", Recipient: "bob@x.com", Message: "hi"})

	assert.Equal(t, 1, sender.sent["s-bob"])
	assert.Equal(t, 0, sender.sent["s-carol"])
}

func TestMCPNotifier_Notify_DebouncesStatusUpdates(t *testing.T) {
	t.Parallel()

	sender := &fakeMCP{sent: make(map[string]int)}
	n := NewMCPNotifier(time.Minute)
	n.SetSender(sender)
	n.BindSession("bob@x.com", "s-bob")

	for range 3 {
		n.Notify(Event{Kind: "task_updated", Recipient: "bob@x.com", TaskID: "t1"})
	}
	n.Notify(Event{Kind: "task_updated", Recipient: "bob@x.com", TaskID: "t2"})

	assert.Equal(t, 2, sender.sent["s-bob"])
}

func TestMCPNotifier_UnbindSession_DropsDebounceState(t *testing.T) {
	t.Parallel()

	sender := &fakeMCP{sent: make(map[string]int)}
	n := NewMCPNotifier(time.Minute)
	n.SetSender(sender)
	n.BindSession("bob@x.com", "s1")
	n.BindSession("bob@x.com", "s2")

	n.Notify(Event{Kind: "task_updated", Recipient: "bob@x.com", TaskID: "t1"})
	n.Notify(Event{Kind: "task_updated", Recipient: "bob@x.com", TaskID: "t2"})
	require.Equal(t, 2, n.debounced())

	n.UnbindSession("s1")
	assert.Equal(t, 2, n.debounced(), "bob still has a session")

	n.UnbindSession("s2")
	assert.Equal(t, 0, n.debounced())
}

func TestMCPNotifier_Notify_SweepsExpiredEntries(t *testing.T) {
	t.Parallel()

	sender := &fakeMCP{sent: make(map[string]int)}
	n := NewMCPNotifier(10 * time.Millisecond)
	n.SetSender(sender)
	n.BindSession("bob@x.com", "s-bob")

	n.Notify(Event{Kind: "task_updated", Recipient: "bob@x.com", TaskID: "t1"})
	time.Sleep(30 * time.Millisecond)
	n.Notify(Event{Kind: "task_updated", Recipient: "bob@x.com", TaskID: "t2"})

	assert.Equal(t, 1, n.debounced())
	assert.Equal(t, 2, sender.sent["s-bob"])
}

func TestMCPNotifier_UnbindSession_StopsDelivery(t *testing.T) {
	t.Parallel()

	sender := &fakeMCP{sent: make(map[string]int)}
	n := NewMCPNotifier(time.Minute)
	n.SetSender(sender)
	n.BindSession("bob@x.com", "s-bob")
	n.UnbindSession("s-bob")

	n.Notify(Event{Kind: "general", Recipient: "bob@x.com"})

	assert.Empty(t, sender.sent)
}

func TestMCPNotifier_Notify_WithoutSenderIsNoop(t *testing.T) {
	t.Parallel()

	n := NewMCPNotifier(time.Minute)
	n.BindSession("bob@x.com", "s-bob")

	assert.NotPanics(t, func() {
		n.Notify(Event{Kind: "general", Recipient: "bob@x.com"})
	})
}

func TestMCPNotifier_BindSession_RebindMovesSession(t *testing.T) {
	t.Parallel()

	sender := &fakeMCP{sent: make(map[string]int)}
	n := NewMCPNotifier(time.Minute)
	n.SetSender(sender)
	n.BindSession("bob@x.com", "s1")
	n.BindSession("carol@x.com", "s1")

	n.Notify(Event{Kind: "general", Recipient: "bob@x.com"})
	assert.Empty(t, sender.sent)

	n.Notify(Event{Kind: "general", Recipient: "carol@x.com"})
	assert.Equal(t, 1, sender.sent["s1"])
}
