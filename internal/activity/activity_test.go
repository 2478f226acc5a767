package activity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/teamsphere/internal/auth"
	"github.com/btouchard/teamsphere/internal/dispatch"
	"github.com/btouchard/teamsphere/internal/notification"
	"github.com/btouchard/teamsphere/internal/notify"
	"github.com/btouchard/teamsphere/internal/store"
)

type delivery struct {
	recipient string
	event     string
	payload   any
}

type fakeLive struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (f *fakeLive) DeliverLive(_ context.Context, recipient, event string, payload any) dispatch.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivery{recipient: recipient, event: event, payload: payload})
	return dispatch.Offline
}

func (f *fakeLive) to(recipient string) []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []delivery
	for _, d := range f.deliveries {
		if d.recipient == recipient {
			out = append(out, d)
		}
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Notify(e notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

type brokenNotes struct{ store.Store }

func (brokenNotes) InsertNotification(context.Context, *store.NotificationRecord) error {
	return errors.New("disk full")
}

var (
	alice = auth.Identity{Email: "alice@x.com", Role: auth.RoleManager}
	bob   = auth.Identity{Email: "bob@x.com", Role: auth.RoleEmployee}
	carol = auth.Identity{Email: "carol@x.com", Role: auth.RoleEmployee}
)

type fixture struct {
	svc      *Service
	store    *store.SQLiteStore
	notes    *notification.Service
	live     *fakeLive
	notifier *fakeNotifier
}

func newFixture(t *testing.T, policy notification.Policy) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store:    s,
		notes:    notification.NewService(s, policy),
		live:     &fakeLive{},
		notifier: &fakeNotifier{},
	}
	f.svc = New(s, f.notes, f.live, f.notifier)
	return f
}

func (f *fixture) received(t *testing.T, identity string) []store.NotificationRecord {
	t.Helper()
	out, err := f.notes.List(context.Background(), identity, auth.RoleEmployee, notification.ListOptions{})
	require.NoError(t, err)
	return out
}

func TestService_CreateTask_NotifiesAssignee(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)

	task, err := f.svc.CreateTask(context.Background(), alice, NewTask{
		Title: "Ship it", AssignedTo: "Bob@X.com", BoardName: "Release",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultTaskStatus, task.Status)
	assert.Equal(t, "bob@x.com", task.AssignedTo)

	records := f.received(t, "bob@x.com")
	require.Len(t, records, 1)
	assert.Equal(t, "New task assigned: Ship it", records[0].Message)
	assert.Equal(t, task.ID, records[0].TaskID)
	assert.False(t, records[0].Read)

	live := f.live.to("bob@x.com")
	require.Len(t, live, 1)
	assert.Equal(t, EventNotification, live[0].event)
	p := live[0].payload.(NotificationPayload)
	assert.Equal(t, "alice@x.com", p.CreatedBy)
	assert.Equal(t, "Release", p.BoardName)
	assert.Equal(t, records[0].ID, p.ID)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "task_created", f.notifier.events[0].Kind)
	assert.Equal(t, "Ship it", f.notifier.events[0].TaskTitle)
}

func TestService_CreateTask_RequiresManager(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)

	_, err := f.svc.CreateTask(context.Background(), bob, NewTask{Title: "x", AssignedTo: "carol@x.com"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestService_CreateTask_RejectsMissingFields(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)

	_, err := f.svc.CreateTask(context.Background(), alice, NewTask{Title: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, f.live.deliveries)
}

func TestService_CreateTask_KeepsTaskWhenNotificationFails(t *testing.T) {
	t.Parallel()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	notes := notification.NewService(brokenNotes{s}, notification.PolicyAppend)
	svc := New(s, notes, &fakeLive{}, nil)

	task, err := svc.CreateTask(context.Background(), alice, NewTask{Title: "Ship it", AssignedTo: "bob@x.com"})
	assert.ErrorIs(t, err, ErrNotificationNotStored)
	require.NotNil(t, task)

	stored, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ship it", stored.Title)
}

func TestService_UpdateTaskStatus_NotifiesOtherParty(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)
	ctx := context.Background()

	task, err := f.svc.CreateTask(ctx, alice, NewTask{Title: "Ship it", AssignedTo: "bob@x.com"})
	require.NoError(t, err)

	_, err = f.svc.UpdateTaskStatus(ctx, bob, task.ID, "done")
	require.NoError(t, err)

	records := f.received(t, "alice@x.com")
	require.Len(t, records, 1)
	assert.Equal(t, "Task 'Ship it' status updated to done by bob@x.com", records[0].Message)
	assert.True(t, records[0].Updated)
	assert.Equal(t, "done", records[0].Status)

	assert.Len(t, f.received(t, "bob@x.com"), 1, "modifier gets no status record")

	live := f.live.to("alice@x.com")
	require.Len(t, live, 1)
	assert.Equal(t, EventTaskUpdated, live[0].event)
	p := live[0].payload.(TaskUpdatedPayload)
	assert.Equal(t, "done", p.UpdatedStatus)
	assert.Equal(t, "bob@x.com", p.Actor)
}

func TestService_UpdateTaskStatus_UsesProfileName(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertUser(ctx, &store.UserRecord{Email: "bob@x.com", Name: "Bob", Role: auth.RoleEmployee}))

	task, err := f.svc.CreateTask(ctx, alice, NewTask{Title: "Ship it", AssignedTo: "bob@x.com"})
	require.NoError(t, err)
	_, err = f.svc.UpdateTaskStatus(ctx, bob, task.ID, "done")
	require.NoError(t, err)

	records := f.received(t, "alice@x.com")
	require.Len(t, records, 1)
	assert.Equal(t, "Task 'Ship it' status updated to done by Bob", records[0].Message)
}

func TestService_UpdateTaskStatus_UpsertPolicyKeepsOneRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyUpsert)
	ctx := context.Background()

	task, err := f.svc.CreateTask(ctx, alice, NewTask{Title: "Ship it", AssignedTo: "bob@x.com"})
	require.NoError(t, err)

	for _, status := range []string{"review", "done"} {
		_, err = f.svc.UpdateTaskStatus(ctx, bob, task.ID, status)
		require.NoError(t, err)
	}

	records := f.received(t, "alice@x.com")
	require.Len(t, records, 1)
	assert.Equal(t, "done", records[0].Status)
	assert.Len(t, f.live.to("alice@x.com"), 2, "every change is still pushed live")
}

func TestService_UpdateTaskStatus_ForbidsOutsiders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)
	ctx := context.Background()

	task, err := f.svc.CreateTask(ctx, alice, NewTask{Title: "Ship it", AssignedTo: "bob@x.com"})
	require.NoError(t, err)

	_, err = f.svc.UpdateTaskStatus(ctx, carol, task.ID, "done")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestService_UpdateTaskStatus_UnknownTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)

	_, err := f.svc.UpdateTaskStatus(context.Background(), alice, "missing", "done")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_UpdateTask_ReassignNotifiesNewAssignee(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)
	ctx := context.Background()

	task, err := f.svc.CreateTask(ctx, alice, NewTask{Title: "Ship it", AssignedTo: "bob@x.com"})
	require.NoError(t, err)

	title := "Ship it now"
	assignee := "carol@x.com"
	updated, err := f.svc.UpdateTask(ctx, alice, task.ID, TaskChanges{Title: &title, AssignedTo: &assignee})
	require.NoError(t, err)
	assert.Equal(t, "carol@x.com", updated.AssignedTo)

	records := f.received(t, "carol@x.com")
	require.Len(t, records, 1)
	assert.Equal(t, "Task Ship it now is updated by alice@x.com", records[0].Message)
	assert.Empty(t, f.received(t, "alice@x.com"))
}

func TestService_CreateDonationPool_NotifiesTeam(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertUser(ctx, &store.UserRecord{
		Email: "alice@x.com", Name: "Alice", Role: auth.RoleManager,
		Team: []string{"bob@x.com", "carol@x.com", "alice@x.com"},
	}))

	pool, err := f.svc.CreateDonationPool(ctx, alice, NewDonationPool{Title: "Party", Amount: 100})
	require.NoError(t, err)

	for _, member := range []string{"bob@x.com", "carol@x.com"} {
		records := f.received(t, member)
		require.Len(t, records, 1, member)
		assert.Equal(t, `Alice created a new donation pool: "Party"`, records[0].Message)
		assert.Equal(t, pool.ID, records[0].PoolID)
		require.Len(t, f.live.to(member), 1)
	}
	assert.Empty(t, f.received(t, "alice@x.com"))
}

func TestService_CreateDonationPool_WithoutProfileNotifiesNobody(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)

	pool, err := f.svc.CreateDonationPool(context.Background(), alice, NewDonationPool{Title: "Party"})
	require.NoError(t, err)
	assert.NotEmpty(t, pool.ID)
	assert.Empty(t, f.live.deliveries)
}

func TestService_CreateDonationPool_ForbidsEmployees(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)

	_, err := f.svc.CreateDonationPool(context.Background(), bob, NewDonationPool{Title: "Party"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestService_RecordDonation_NotifiesPoolCreator(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)
	ctx := context.Background()

	pool, err := f.svc.CreateDonationPool(ctx, alice, NewDonationPool{Title: "Party"})
	require.NoError(t, err)

	d, err := f.svc.RecordDonation(ctx, bob, pool.ID, 12.5)
	require.NoError(t, err)
	assert.Equal(t, "bob@x.com", d.Donor)

	records := f.received(t, "alice@x.com")
	require.Len(t, records, 1)
	assert.Equal(t, `bob@x.com donated 12.5 to "Party"`, records[0].Message)
	assert.Equal(t, "donation_received", records[0].Kind)
}

func TestService_RecordDonation_RejectsBadAmount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)

	_, err := f.svc.RecordDonation(context.Background(), bob, "p1", 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_SendGeneral_StoresAndPushes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, notification.PolicyAppend)

	n, err := f.svc.SendGeneral(context.Background(), alice, "Bob@x.com", "stand-up moved")
	require.NoError(t, err)
	assert.Equal(t, "bob@x.com", n.Recipient)

	live := f.live.to("bob@x.com")
	require.Len(t, live, 1)
	assert.Equal(t, n.ID, live[0].payload.(NotificationPayload).ID)
}

func TestOtherParties(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"bob"}, otherParties("alice", "alice", "bob"))
	assert.Equal(t, []string{"bob"}, otherParties("alice", "bob", "bob"))
	assert.Empty(t, otherParties("alice", "alice", "alice"))
	assert.Empty(t, otherParties("alice", "", ""))
}
