package presence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broadcast struct {
	event   string
	payload any
	except  Handle
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []broadcast
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, event string, payload any, except Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcast{event: event, payload: payload, except: except})
}

func (b *recordingBroadcaster) all() []broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast(nil), b.calls...)
}

func newTestManager(t *testing.T) (*Manager, *recordingBroadcaster) {
	t.Helper()
	m := NewManager(NewRegistry())
	b := &recordingBroadcaster{}
	m.SetBroadcaster(b)
	return m, b
}

func TestManager_Join_RegistersIdentity(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	m.Connect("conn1")
	assert.Equal(t, StateConnecting, m.State("conn1"))

	require.NoError(t, m.Join("conn1", "Alice@X.com"))
	assert.Equal(t, StateIdentified, m.State("conn1"))

	h, ok := m.Registry().Resolve("alice@x.com")
	require.True(t, ok)
	assert.Equal(t, Handle("conn1"), h)

	identity, ok := m.Identity("conn1")
	require.True(t, ok)
	assert.Equal(t, "alice@x.com", identity)
}

func TestManager_Join_UnknownHandle(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	assert.ErrorIs(t, m.Join("ghost", "alice@x.com"), ErrUnknownConnection)
	assert.Equal(t, 0, m.Registry().Len())
}

func TestManager_Join_EmptyIdentity(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	m.Connect("conn1")

	assert.ErrorIs(t, m.Join("conn1", "  "), ErrEmptyIdentity)
	assert.Equal(t, StateConnecting, m.State("conn1"))
}

func TestManager_Join_IsReentrant(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	m.Connect("conn1")

	require.NoError(t, m.Join("conn1", "alice@x.com"))
	require.NoError(t, m.Join("conn1", "alice@x.com"))

	assert.Equal(t, StateIdentified, m.State("conn1"))
	assert.Equal(t, 1, m.Registry().Len())
}

func TestManager_Join_SameHandleNewIdentityDropsOldBinding(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	m.Connect("conn1")

	require.NoError(t, m.Join("conn1", "alice@x.com"))
	require.NoError(t, m.Join("conn1", "bob@x.com"))

	assert.Equal(t, []string{"bob@x.com"}, m.Registry().Online())
}

func TestManager_Disconnect_ClearsRegistration(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	m.Connect("h")
	require.NoError(t, m.Join("h", "u"))

	m.Disconnect("h")

	_, ok := m.Registry().Resolve("u")
	assert.False(t, ok)
	assert.Equal(t, StateClosed, m.State("h"))
	assert.Equal(t, 0, m.Tracked(), "closed handles are forgotten")
}

func TestManager_Disconnect_StaleHandleKeepsNewerRegistration(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	m.Connect("h1")
	m.Connect("h2")
	require.NoError(t, m.Join("h1", "a"))
	require.NoError(t, m.Join("h2", "a"))

	m.Disconnect("h1")

	h, ok := m.Registry().Resolve("a")
	require.True(t, ok)
	assert.Equal(t, Handle("h2"), h)
}

func TestManager_Disconnect_BeforeJoinLeavesRegistryUntouched(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	m.Connect("h1")
	m.Connect("h2")
	require.NoError(t, m.Join("h2", "bob@x.com"))

	m.Disconnect("h1")

	assert.Equal(t, []string{"bob@x.com"}, m.Registry().Online())
	assert.Equal(t, StateClosed, m.State("h1"))
}

func TestManager_Disconnect_UnknownHandleIsNoop(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	m.Disconnect("ghost")
	assert.Equal(t, 0, m.Tracked())
}

func TestManager_Logout_ClearsIdentityAndBroadcasts(t *testing.T) {
	t.Parallel()
	m, b := newTestManager(t)
	m.Connect("h1")
	m.Connect("h2")
	require.NoError(t, m.Join("h1", "alice@x.com"))
	require.NoError(t, m.Join("h2", "bob@x.com"))

	require.NoError(t, m.Logout(context.Background(), "h1", "alice@x.com"))

	assert.Equal(t, StateLoggedOut, m.State("h1"))
	assert.Equal(t, []string{"bob@x.com"}, m.Registry().Online())

	calls := b.all()
	require.Len(t, calls, 1)
	assert.Equal(t, EventUserOffline, calls[0].event)
	assert.Equal(t, "alice@x.com", calls[0].payload)
	assert.Equal(t, Handle("h1"), calls[0].except)
}

func TestManager_Logout_ClearsIdentityHeldByAnotherHandle(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	m.Connect("h1")
	m.Connect("h2")
	require.NoError(t, m.Join("h2", "alice@x.com"))

	require.NoError(t, m.Logout(context.Background(), "h1", "alice@x.com"))

	_, ok := m.Registry().Resolve("alice@x.com")
	assert.False(t, ok)
}

func TestManager_Join_AfterLogoutIsRejected(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	m.Connect("h1")
	require.NoError(t, m.Join("h1", "alice@x.com"))
	require.NoError(t, m.Logout(context.Background(), "h1", "alice@x.com"))

	assert.ErrorIs(t, m.Join("h1", "alice@x.com"), ErrConnectionClosed)
	assert.Equal(t, 0, m.Registry().Len())
}

func TestManager_Logout_UnknownHandle(t *testing.T) {
	t.Parallel()
	m, b := newTestManager(t)

	assert.ErrorIs(t, m.Logout(context.Background(), "ghost", "alice@x.com"), ErrUnknownConnection)
	assert.Empty(t, b.all())
}

func TestManager_LogoutIdentity_MarksRegisteredHandle(t *testing.T) {
	t.Parallel()
	m, b := newTestManager(t)
	m.Connect("h1")
	require.NoError(t, m.Join("h1", "alice@x.com"))

	assert.True(t, m.LogoutIdentity(context.Background(), "alice@x.com"))
	assert.Equal(t, StateLoggedOut, m.State("h1"))
	assert.Equal(t, 0, m.Registry().Len())
	require.Len(t, b.all(), 1)

	assert.False(t, m.LogoutIdentity(context.Background(), "alice@x.com"))
}
