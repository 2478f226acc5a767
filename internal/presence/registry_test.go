package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register_LastWriteWins(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.Register("alice@x.com", "h1")
	r.Register("alice@x.com", "h2")

	h, ok := r.Resolve("alice@x.com")
	require.True(t, ok)
	assert.Equal(t, Handle("h2"), h)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Resolve_UnknownIdentityIsAbsent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	h, ok := r.Resolve("nobody@x.com")
	assert.False(t, ok)
	assert.Empty(t, h)
}

func TestRegistry_UnregisterByHandle_RemovesMatchingEntries(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.Register("alice@x.com", "h1")
	r.Register("bob@x.com", "h2")

	removed := r.UnregisterByHandle("h1")
	assert.Equal(t, []string{"alice@x.com"}, removed)

	_, ok := r.Resolve("alice@x.com")
	assert.False(t, ok)
	_, ok = r.Resolve("bob@x.com")
	assert.True(t, ok)
}

func TestRegistry_UnregisterByHandle_StaleHandleKeepsNewerEntry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.Register("a", "h1")
	r.Register("a", "h2")

	assert.Empty(t, r.UnregisterByHandle("h1"))

	h, ok := r.Resolve("a")
	require.True(t, ok)
	assert.Equal(t, Handle("h2"), h)
}

func TestRegistry_UnregisterByIdentity_OnlyAffectsThatIdentity(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.Register("alice@x.com", "h1")
	r.Register("bob@x.com", "h2")

	assert.True(t, r.UnregisterByIdentity("alice@x.com"))
	assert.False(t, r.UnregisterByIdentity("alice@x.com"))

	_, ok := r.Resolve("bob@x.com")
	assert.True(t, ok)
}

func TestRegistry_Online_ReturnsSortedIdentities(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.Register("carol@x.com", "h3")
	r.Register("alice@x.com", "h1")
	r.Register("bob@x.com", "h2")

	assert.Equal(t, []string{"alice@x.com", "bob@x.com", "carol@x.com"}, r.Online())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			identity := fmt.Sprintf("user%d@x.com", i)
			h := Handle(fmt.Sprintf("h%d", i))
			r.Register(identity, h)
			r.Resolve(identity)
			r.Online()
			r.UnregisterByHandle(h)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}

func TestNormalizeIdentity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "alice@x.com", NormalizeIdentity("  Alice@X.com "))
	assert.Empty(t, NormalizeIdentity("   "))
}
