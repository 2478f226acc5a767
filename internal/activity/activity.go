// Package activity implements the domain actions that produce notifications.
//
// Every action follows the same two steps: the durable notification record is
// written first, then the live push is attempted. The live outcome never
// changes the result returned to the caller.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/btouchard/teamsphere/internal/auth"
	"github.com/btouchard/teamsphere/internal/dispatch"
	"github.com/btouchard/teamsphere/internal/notification"
	"github.com/btouchard/teamsphere/internal/notify"
	"github.com/btouchard/teamsphere/internal/presence"
	"github.com/btouchard/teamsphere/internal/store"
)

// Live event names.
const (
	EventNotification = "notification"
	EventTaskUpdated  = "taskUpdated"
)

// DefaultTaskStatus is used when a task is created without a status.
const DefaultTaskStatus = "inProgress"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")
	// ErrNotificationNotStored means the primary mutation committed but at
	// least one notification record could not be written.
	ErrNotificationNotStored = errors.New("notification not stored")
)

// Store is the subset of persistence the actions need.
type Store interface {
	CreateTask(ctx context.Context, t *store.TaskRecord) error
	GetTask(ctx context.Context, id string) (*store.TaskRecord, error)
	UpdateTask(ctx context.Context, t *store.TaskRecord) error
	GetUser(ctx context.Context, email string) (*store.UserRecord, error)
	CreateDonationPool(ctx context.Context, p *store.DonationPoolRecord) error
	GetDonationPool(ctx context.Context, id string) (*store.DonationPoolRecord, error)
	AddDonation(ctx context.Context, d *store.DonationRecord) error
}

// Deliverer pushes an event to a user's live connection.
type Deliverer interface {
	DeliverLive(ctx context.Context, recipient, event string, payload any) dispatch.Outcome
}

// Notifier hands events to external channels.
type Notifier interface {
	Notify(event notify.Event)
}

// NotificationPayload is the live payload of a notification event.
type NotificationPayload struct {
	ID           string `json:"id,omitempty"`
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	CreatedBy    string `json:"createdBy"`
	BoardName    string `json:"boardName,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	DonationPool string `json:"donationPool,omitempty"`
}

// TaskUpdatedPayload is the live payload of a taskUpdated event.
type TaskUpdatedPayload struct {
	ID            string `json:"id,omitempty"`
	TaskID        string `json:"taskId"`
	Message       string `json:"message"`
	UpdatedStatus string `json:"updatedStatus"`
	Actor         string `json:"actor"`
}

// Service runs domain actions.
type Service struct {
	store    Store
	notes    *notification.Service
	live     Deliverer
	notifier Notifier
}

// New creates a Service. notifier may be nil.
func New(s Store, notes *notification.Service, live Deliverer, notifier Notifier) *Service {
	return &Service{store: s, notes: notes, live: live, notifier: notifier}
}

// NewTask describes a task to create.
type NewTask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	AssignedTo  string `json:"assignedTo"`
	Status      string `json:"status"`
	BoardID     string `json:"boardId"`
	BoardName   string `json:"boardName"`
}

// CreateTask stores a task and notifies its assignee.
func (s *Service) CreateTask(ctx context.Context, actor auth.Identity, in NewTask) (*store.TaskRecord, error) {
	if !canManage(actor.Role) {
		return nil, fmt.Errorf("creating task as %s: %w", actor.Role, ErrForbidden)
	}
	title := strings.TrimSpace(in.Title)
	assignee := presence.NormalizeIdentity(in.AssignedTo)
	if title == "" || assignee == "" {
		return nil, fmt.Errorf("%w: title and assignedTo are required", ErrInvalidInput)
	}

	status := in.Status
	if status == "" {
		status = DefaultTaskStatus
	}

	t := &store.TaskRecord{
		Title:       title,
		Description: in.Description,
		Status:      status,
		CreatedBy:   actor.Email,
		AssignedTo:  assignee,
		BoardID:     in.BoardID,
		BoardName:   in.BoardName,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	slog.Info("task created", "task_id", t.ID, "identity", actor.Email, "assignee", assignee)

	msg := "New task assigned: " + t.Title
	n, err := s.notes.Create(ctx, assignee, actor.Email, notification.KindTaskCreated, msg, notification.Extra{
		TaskID:    t.ID,
		BoardID:   t.BoardID,
		BoardName: t.BoardName,
		Status:    t.Status,
	})

	s.live.DeliverLive(ctx, assignee, EventNotification, NotificationPayload{
		ID:        recordID(n),
		Kind:      string(notification.KindTaskCreated),
		Message:   msg,
		CreatedBy: actor.Email,
		BoardName: t.BoardName,
		TaskID:    t.ID,
	})
	s.external(notify.Event{
		Kind:      string(notification.KindTaskCreated),
		Recipient: assignee,
		Actor:     actor.Email,
		Message:   msg,
		TaskID:    t.ID,
		TaskTitle: t.Title,
		BoardName: t.BoardName,
		Status:    t.Status,
	})

	if err != nil {
		return t, fmt.Errorf("%w: %v", ErrNotificationNotStored, err)
	}
	return t, nil
}

// UpdateTaskStatus changes a task's status and tells the other party.
func (s *Service) UpdateTaskStatus(ctx context.Context, actor auth.Identity, taskID, status string) (*store.TaskRecord, error) {
	status = strings.TrimSpace(status)
	if status == "" {
		return nil, fmt.Errorf("%w: status is required", ErrInvalidInput)
	}

	t, err := s.editableTask(ctx, actor, taskID)
	if err != nil {
		return nil, err
	}

	t.Status = status
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	slog.Info("task status updated", "task_id", t.ID, "identity", actor.Email, "status", status)

	msg := fmt.Sprintf("Task '%s' status updated to %s by %s", t.Title, status, s.displayName(ctx, actor.Email))
	return t, s.announceUpdate(ctx, actor, t, msg)
}

// TaskChanges lists the fields of a task to update. Nil fields are kept.
type TaskChanges struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	AssignedTo  *string `json:"assignedTo"`
	BoardID     *string `json:"boardId"`
	BoardName   *string `json:"boardName"`
}

// UpdateTask applies changes to a task and tells the other party.
func (s *Service) UpdateTask(ctx context.Context, actor auth.Identity, taskID string, c TaskChanges) (*store.TaskRecord, error) {
	t, err := s.editableTask(ctx, actor, taskID)
	if err != nil {
		return nil, err
	}

	if c.Title != nil {
		title := strings.TrimSpace(*c.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
		}
		t.Title = title
	}
	if c.Description != nil {
		t.Description = *c.Description
	}
	if c.AssignedTo != nil {
		assignee := presence.NormalizeIdentity(*c.AssignedTo)
		if assignee == "" {
			return nil, fmt.Errorf("%w: assignedTo cannot be empty", ErrInvalidInput)
		}
		t.AssignedTo = assignee
	}
	if c.BoardID != nil {
		t.BoardID = *c.BoardID
	}
	if c.BoardName != nil {
		t.BoardName = *c.BoardName
	}

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}
	slog.Info("task updated", "task_id", t.ID, "identity", actor.Email)

	msg := fmt.Sprintf("Task %s is updated by %s", t.Title, s.displayName(ctx, actor.Email))
	return t, s.announceUpdate(ctx, actor, t, msg)
}

// editableTask loads a task the actor is allowed to modify.
func (s *Service) editableTask(ctx context.Context, actor auth.Identity, taskID string) (*store.TaskRecord, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id is required", ErrInvalidInput)
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if actor.Role != auth.RoleAdmin && actor.Email != t.CreatedBy && actor.Email != t.AssignedTo {
		return nil, fmt.Errorf("modifying task %s: %w", taskID, ErrForbidden)
	}
	return t, nil
}

// announceUpdate records and pushes a task update to the creator and the
// assignee, skipping whichever of them made the change.
func (s *Service) announceUpdate(ctx context.Context, actor auth.Identity, t *store.TaskRecord, msg string) error {
	var failed []error
	for _, recipient := range otherParties(actor.Email, t.CreatedBy, t.AssignedTo) {
		n, err := s.notes.RecordStatus(ctx, notification.StatusChange{
			TaskID:    t.ID,
			Recipient: recipient,
			Actor:     actor.Email,
			Status:    t.Status,
			Message:   msg,
			BoardID:   t.BoardID,
			BoardName: t.BoardName,
		})
		if err != nil {
			failed = append(failed, err)
		}

		s.live.DeliverLive(ctx, recipient, EventTaskUpdated, TaskUpdatedPayload{
			ID:            recordID(n),
			TaskID:        t.ID,
			Message:       msg,
			UpdatedStatus: t.Status,
			Actor:         actor.Email,
		})
		s.external(notify.Event{
			Kind:      string(notification.KindTaskUpdated),
			Recipient: recipient,
			Actor:     actor.Email,
			Message:   msg,
			TaskID:    t.ID,
			TaskTitle: t.Title,
			BoardName: t.BoardName,
			Status:    t.Status,
		})
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: %w", ErrNotificationNotStored, errors.Join(failed...))
	}
	return nil
}

// NewDonationPool describes a donation pool to open.
type NewDonationPool struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

// CreateDonationPool stores a pool and notifies every member of the
// creator's team.
func (s *Service) CreateDonationPool(ctx context.Context, actor auth.Identity, in NewDonationPool) (*store.DonationPoolRecord, error) {
	if !canManage(actor.Role) && actor.Role != auth.RoleHR {
		return nil, fmt.Errorf("creating donation pool as %s: %w", actor.Role, ErrForbidden)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if in.Amount < 0 {
		return nil, fmt.Errorf("%w: amount cannot be negative", ErrInvalidInput)
	}

	p := &store.DonationPoolRecord{
		Title:       title,
		Description: in.Description,
		Amount:      in.Amount,
		CreatedBy:   actor.Email,
	}
	if err := s.store.CreateDonationPool(ctx, p); err != nil {
		return nil, fmt.Errorf("creating donation pool: %w", err)
	}
	slog.Info("donation pool created", "pool_id", p.ID, "identity", actor.Email)

	var team []string
	creator, err := s.store.GetUser(ctx, actor.Email)
	switch {
	case err == nil:
		team = creator.Team
	case errors.Is(err, store.ErrNotFound):
		slog.Debug("donation pool creator has no profile", "identity", actor.Email)
	default:
		return p, fmt.Errorf("%w: loading team of %s: %v", ErrNotificationNotStored, actor.Email, err)
	}

	msg := fmt.Sprintf("%s created a new donation pool: %q", s.displayName(ctx, actor.Email), p.Title)
	var failed []error
	for _, member := range team {
		member = presence.NormalizeIdentity(member)
		if member == "" || member == actor.Email {
			continue
		}

		n, err := s.notes.Create(ctx, member, actor.Email, notification.KindDonationPool, msg, notification.Extra{PoolID: p.ID})
		if err != nil {
			failed = append(failed, err)
		}
		s.live.DeliverLive(ctx, member, EventNotification, NotificationPayload{
			ID:           recordID(n),
			Kind:         string(notification.KindDonationPool),
			Message:      msg,
			CreatedBy:    actor.Email,
			DonationPool: p.ID,
		})
		s.external(notify.Event{
			Kind:      string(notification.KindDonationPool),
			Recipient: member,
			Actor:     actor.Email,
			Message:   msg,
		})
	}

	if len(failed) > 0 {
		return p, fmt.Errorf("%w: %w", ErrNotificationNotStored, errors.Join(failed...))
	}
	return p, nil
}

// RecordDonation stores a donation and notifies the pool creator.
func (s *Service) RecordDonation(ctx context.Context, actor auth.Identity, poolID string, amount float64) (*store.DonationRecord, error) {
	if poolID == "" || amount <= 0 {
		return nil, fmt.Errorf("%w: pool id and a positive amount are required", ErrInvalidInput)
	}

	p, err := s.store.GetDonationPool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("loading donation pool %s: %w", poolID, err)
	}

	d := &store.DonationRecord{PoolID: p.ID, Donor: actor.Email, Amount: amount}
	if err := s.store.AddDonation(ctx, d); err != nil {
		return nil, fmt.Errorf("recording donation: %w", err)
	}
	slog.Info("donation recorded", "pool_id", p.ID, "identity", actor.Email)

	if p.CreatedBy == actor.Email {
		return d, nil
	}

	msg := fmt.Sprintf("%s donated %s to %q", s.displayName(ctx, actor.Email),
		strconv.FormatFloat(amount, 'f', -1, 64), p.Title)
	n, err := s.notes.Create(ctx, p.CreatedBy, actor.Email, notification.KindDonationReceived, msg, notification.Extra{PoolID: p.ID})

	s.live.DeliverLive(ctx, p.CreatedBy, EventNotification, NotificationPayload{
		ID:           recordID(n),
		Kind:         string(notification.KindDonationReceived),
		Message:      msg,
		CreatedBy:    actor.Email,
		DonationPool: p.ID,
	})
	s.external(notify.Event{
		Kind:      string(notification.KindDonationReceived),
		Recipient: p.CreatedBy,
		Actor:     actor.Email,
		Message:   msg,
	})

	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrNotificationNotStored, err)
	}
	return d, nil
}

// SendGeneral stores a free-form notification and pushes it live.
func (s *Service) SendGeneral(ctx context.Context, actor auth.Identity, recipient, message string) (*store.NotificationRecord, error) {
	recipient = presence.NormalizeIdentity(recipient)
	message = strings.TrimSpace(message)
	if recipient == "" || message == "" {
		return nil, fmt.Errorf("%w: recipient and message are required", ErrInvalidInput)
	}

	n, err := s.notes.Create(ctx, recipient, actor.Email, notification.KindGeneral, message, notification.Extra{})
	if err != nil {
		return nil, err
	}

	outcome := s.live.DeliverLive(ctx, recipient, EventNotification, NotificationPayload{
		ID:        n.ID,
		Kind:      string(notification.KindGeneral),
		Message:   message,
		CreatedBy: actor.Email,
	})
	slog.Debug("general notification sent", "identity", recipient, "outcome", string(outcome))

	s.external(notify.Event{
		Kind:      string(notification.KindGeneral),
		Recipient: recipient,
		Actor:     actor.Email,
		Message:   message,
	})
	return n, nil
}

func (s *Service) external(e notify.Event) {
	if s.notifier != nil {
		s.notifier.Notify(e)
	}
}

// displayName returns the user's name, or the identity when no profile exists.
func (s *Service) displayName(ctx context.Context, identity string) string {
	u, err := s.store.GetUser(ctx, identity)
	if err != nil || u.Name == "" {
		return identity
	}
	return u.Name
}

func canManage(role string) bool {
	return role == auth.RoleAdmin || role == auth.RoleManager
}

// otherParties returns the distinct non-empty identities among candidates,
// excluding the actor.
func otherParties(actor string, candidates ...string) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == "" || c == actor {
			continue
		}
		dup := false
		for _, o := range out {
			if o == c {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

func recordID(n *store.NotificationRecord) string {
	if n == nil {
		return ""
	}
	return n.ID
}
