package notify

import "sync"

// Event is a domain notification handed to external channels after it has
// been stored.
type Event struct {
	Kind      string // notification kind: "task_created", "task_updated", "donation_pool", ...
	Recipient string
	Actor     string
	Message   string
	TaskID    string
	TaskTitle string
	BoardName string
	Status    string
}

// Notifier delivers events to one external channel. Implementations must not
// block for long and never report failures to the caller.
type Notifier interface {
	Notify(event Event)
}

// Hub dispatches events to multiple notifiers.
type Hub struct {
	notifiers []Notifier
	wg        sync.WaitGroup
}

// NewHub creates a Hub with the given notifiers.
func NewHub(notifiers ...Notifier) *Hub {
	return &Hub{notifiers: notifiers}
}

// Notify sends an event to all registered notifiers, each on its own goroutine.
func (h *Hub) Notify(event Event) {
	for _, n := range h.notifiers {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			n.Notify(event)
		}()
	}
}

// Wait blocks until every in-flight notification has returned.
func (h *Hub) Wait() {
	h.wg.Wait()
}
