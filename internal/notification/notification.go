package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btouchard/teamsphere/internal/presence"
	"github.com/btouchard/teamsphere/internal/store"
)

// ErrInvalidRecord is returned when a notification is missing required fields.
var ErrInvalidRecord = errors.New("invalid notification")

// Kind enumerates the domain events a notification can describe.
type Kind string

const (
	KindTaskCreated      Kind = "task_created"
	KindTaskUpdated      Kind = "task_updated"
	KindDonationPool     Kind = "donation_pool"
	KindDonationReceived Kind = "donation_received"
	KindGeneral          Kind = "general"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTaskCreated, KindTaskUpdated, KindDonationPool, KindDonationReceived, KindGeneral:
		return true
	}
	return false
}

// Policy selects how task status changes are recorded.
type Policy string

const (
	PolicyAppend Policy = "append" // one record per status change
	PolicyUpsert Policy = "upsert" // one record per (task, recipient), updated in place
)

// ParsePolicy converts a config value to a Policy. Empty means append.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyAppend:
		return PolicyAppend, nil
	case PolicyUpsert:
		return PolicyUpsert, nil
	}
	return "", fmt.Errorf("unknown status policy %q", s)
}

const managerRole = "manager"

// Store is the subset of persistence the service needs.
type Store interface {
	InsertNotification(ctx context.Context, n *store.NotificationRecord) error
	UpsertTaskNotification(ctx context.Context, n *store.NotificationRecord) error
	MarkAllNotificationsRead(ctx context.Context, recipient string) (int64, error)
	MarkNotificationRead(ctx context.Context, id, recipient string) error
	ListNotifications(ctx context.Context, f store.NotificationFilter) ([]store.NotificationRecord, error)
}

// Extra carries the optional links of a notification.
type Extra struct {
	TaskID    string
	PoolID    string
	BoardID   string
	BoardName string
	Status    string
}

// StatusChange describes a task status transition addressed to one recipient.
type StatusChange struct {
	TaskID    string
	Recipient string
	Actor     string
	Status    string
	Message   string
	BoardID   string
	BoardName string
}

// Service writes and reads durable notification records.
type Service struct {
	store  Store
	policy Policy
}

// NewService creates a Service using the given status policy.
func NewService(s Store, policy Policy) *Service {
	if policy == "" {
		policy = PolicyAppend
	}
	return &Service{store: s, policy: policy}
}

// Policy returns the status policy in effect.
func (s *Service) Policy() Policy {
	return s.policy
}

// Create inserts a new unread notification.
func (s *Service) Create(ctx context.Context, recipient, actor string, kind Kind, message string, extra Extra) (*store.NotificationRecord, error) {
	n := &store.NotificationRecord{
		Recipient: presence.NormalizeIdentity(recipient),
		Actor:     presence.NormalizeIdentity(actor),
		Kind:      string(kind),
		Message:   message,
		Status:    extra.Status,
		TaskID:    extra.TaskID,
		PoolID:    extra.PoolID,
		BoardID:   extra.BoardID,
		BoardName: extra.BoardName,
	}
	if err := validate(n, kind); err != nil {
		return nil, err
	}

	if err := s.store.InsertNotification(ctx, n); err != nil {
		slog.Error("storing notification", "identity", n.Recipient, "kind", n.Kind, "error", err)
		return nil, fmt.Errorf("creating notification: %w", err)
	}

	slog.Debug("notification stored", "id", n.ID, "identity", n.Recipient, "kind", n.Kind)
	return n, nil
}

// RecordStatus persists a task status change according to the service policy.
// Append inserts a new record; upsert rewrites the canonical record for the
// task and recipient, re-marking it unread.
func (s *Service) RecordStatus(ctx context.Context, c StatusChange) (*store.NotificationRecord, error) {
	n := &store.NotificationRecord{
		Recipient: presence.NormalizeIdentity(c.Recipient),
		Actor:     presence.NormalizeIdentity(c.Actor),
		Kind:      string(KindTaskUpdated),
		Message:   c.Message,
		Updated:   true,
		Status:    c.Status,
		TaskID:    c.TaskID,
		BoardID:   c.BoardID,
		BoardName: c.BoardName,
	}
	if err := validate(n, KindTaskUpdated); err != nil {
		return nil, err
	}
	if n.TaskID == "" {
		return nil, fmt.Errorf("%w: task id is required", ErrInvalidRecord)
	}

	var err error
	if s.policy == PolicyUpsert {
		err = s.store.UpsertTaskNotification(ctx, n)
	} else {
		err = s.store.InsertNotification(ctx, n)
	}
	if err != nil {
		slog.Error("storing status notification", "identity", n.Recipient, "task_id", n.TaskID, "policy", string(s.policy), "error", err)
		return nil, fmt.Errorf("recording status change: %w", err)
	}
	return n, nil
}

// MarkAllRead marks every unread notification of identity as read and
// returns how many changed. Zero is a normal result.
func (s *Service) MarkAllRead(ctx context.Context, identity string) (int64, error) {
	identity = presence.NormalizeIdentity(identity)
	if identity == "" {
		return 0, fmt.Errorf("%w: identity is required", ErrInvalidRecord)
	}

	n, err := s.store.MarkAllNotificationsRead(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("marking all read: %w", err)
	}
	return n, nil
}

// MarkRead acknowledges one notification. Notifications addressed to someone
// else report store.ErrNotFound.
func (s *Service) MarkRead(ctx context.Context, id, identity string) error {
	if err := s.store.MarkNotificationRead(ctx, id, presence.NormalizeIdentity(identity)); err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	return nil
}

// ListOptions narrows a listing. A zero Limit means no limit.
type ListOptions struct {
	Limit      int
	UnreadOnly bool
}

// List returns notifications newest first. Managers see the notifications
// they sent; everyone else sees the ones they received. The unread filter is
// applied before the limit.
func (s *Service) List(ctx context.Context, identity, role string, opts ListOptions) ([]store.NotificationRecord, error) {
	identity = presence.NormalizeIdentity(identity)
	f := store.NotificationFilter{Limit: opts.Limit, UnreadOnly: opts.UnreadOnly}
	if role == managerRole {
		f.Actor = identity
	} else {
		f.Recipient = identity
	}

	out, err := s.store.ListNotifications(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	return out, nil
}

func validate(n *store.NotificationRecord, kind Kind) error {
	switch {
	case n.Recipient == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidRecord)
	case n.Actor == "":
		return fmt.Errorf("%w: actor is required", ErrInvalidRecord)
	case !kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, kind)
	case n.Message == "":
		return fmt.Errorf("%w: message is required", ErrInvalidRecord)
	}
	return nil
}
