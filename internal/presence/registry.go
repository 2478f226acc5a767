package presence

import (
	"sort"
	"strings"
	"sync"
)

// Handle identifies one live transport connection.
type Handle string

// Registry maps a user identity to the handle of its most recent connection.
// At most one handle is kept per identity; a newer registration replaces the
// previous one. Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register binds identity to h, replacing any previous handle.
func (r *Registry) Register(identity string, h Handle) {
	r.mu.Lock()
	r.handles[identity] = h
	r.mu.Unlock()
}

// Resolve returns the handle registered for identity.
// The boolean is false when the identity has no live connection.
func (r *Registry) Resolve(identity string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[identity]
	return h, ok
}

// UnregisterByHandle removes every entry whose handle equals h and returns
// the identities that were removed. An identity that has since re-registered
// under a different handle is left untouched.
func (r *Registry) UnregisterByHandle(h Handle) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for identity, current := range r.handles {
		if current == h {
			delete(r.handles, identity)
			removed = append(removed, identity)
		}
	}
	return removed
}

// UnregisterByIdentity removes the entry for identity, whatever handle it
// holds. It reports whether an entry existed.
func (r *Registry) UnregisterByIdentity(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.handles[identity]
	delete(r.handles, identity)
	return ok
}

// Online returns the registered identities in sorted order.
func (r *Registry) Online() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handles))
	for identity := range r.handles {
		out = append(out, identity)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// NormalizeIdentity trims and lower-cases an identity so that the same user
// always maps to the same registry key.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
