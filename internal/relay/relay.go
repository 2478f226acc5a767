// Package relay fans out collaborative edits of a task description to the
// other connections watching the same task.
//
// There is no merge: each submitted edit overwrites the stored description
// and is broadcast in the order the relay received it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/btouchard/teamsphere/internal/presence"
)

// EventEdited is sent to room peers after an edit is stored.
const EventEdited = "edited"

var ErrEmptyTask = errors.New("task id is required")

const lockStripes = 64

// TaskWriter persists a task's description.
type TaskWriter interface {
	UpdateTaskDescription(ctx context.Context, id, description string) error
}

// Sender writes one event to one connection.
type Sender interface {
	Send(h presence.Handle, event string, payload any) error
}

// Edit is the payload of an edited event.
type Edit struct {
	TaskID   string `json:"taskId"`
	Content  string `json:"content"`
	EditedBy string `json:"editedBy"`
}

// Relay joins connections to task rooms and relays edits between them.
type Relay struct {
	rooms  *Rooms
	tasks  TaskWriter
	sender Sender

	// Edits to the same task run one at a time so the stored description
	// always matches the last broadcast.
	locks [lockStripes]sync.Mutex

	edits metric.Int64Counter
}

// New creates a Relay.
func New(rooms *Rooms, tasks TaskWriter, sender Sender) *Relay {
	edits, err := otel.Meter("github.com/btouchard/teamsphere/internal/relay").
		Int64Counter("teamsphere.relay.edits", metric.WithDescription("Submitted task edits by result"))
	if err != nil {
		slog.Warn("relay metric unavailable", "error", err)
		edits = noop.Int64Counter{}
	}

	return &Relay{rooms: rooms, tasks: tasks, sender: sender, edits: edits}
}

// Rooms returns the room set.
func (r *Relay) Rooms() *Rooms {
	return r.rooms
}

// JoinTaskRoom adds h to the room for taskID. It is idempotent.
func (r *Relay) JoinTaskRoom(h presence.Handle, taskID string) error {
	if taskID == "" {
		return ErrEmptyTask
	}
	r.rooms.Join(h, taskID)
	slog.Debug("joined task room", "handle", string(h), "task_id", taskID)
	return nil
}

// Leave removes h from all rooms.
func (r *Relay) Leave(h presence.Handle) {
	r.rooms.Leave(h)
}

// SubmitEdit stores content as the description of taskID, then sends an
// edited event to every room member except from. It returns the number of
// peers the event was handed to. When storing fails nothing is broadcast.
func (r *Relay) SubmitEdit(ctx context.Context, from presence.Handle, taskID, content, editor string) (int, error) {
	if taskID == "" {
		return 0, ErrEmptyTask
	}

	mu := &r.locks[stripe(taskID)]
	mu.Lock()
	defer mu.Unlock()

	if err := r.tasks.UpdateTaskDescription(ctx, taskID, content); err != nil {
		slog.Error("storing task edit", "task_id", taskID, "editor", editor, "error", err)
		r.record(ctx, "failed")
		return 0, fmt.Errorf("storing edit for task %s: %w", taskID, err)
	}

	edit := Edit{TaskID: taskID, Content: content, EditedBy: editor}
	delivered := 0
	for _, h := range r.rooms.Members(taskID) {
		if h == from {
			continue
		}
		if err := r.sender.Send(h, EventEdited, edit); err != nil {
			slog.Debug("edit not delivered", "task_id", taskID, "handle", string(h), "error", err)
			continue
		}
		delivered++
	}

	r.record(ctx, "stored")
	slog.Debug("task edit relayed", "task_id", taskID, "editor", editor, "peers", delivered)
	return delivered, nil
}

func (r *Relay) record(ctx context.Context, result string) {
	r.edits.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func stripe(taskID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return h.Sum32() % lockStripes
}
