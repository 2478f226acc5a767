package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for TeamSphere.
// Defined at the consumer side per Go conventions.
type Store interface {
	// Notifications
	InsertNotification(ctx context.Context, n *NotificationRecord) error
	UpsertTaskNotification(ctx context.Context, n *NotificationRecord) error
	MarkAllNotificationsRead(ctx context.Context, recipient string) (int64, error)
	MarkNotificationRead(ctx context.Context, id, recipient string) error
	ListNotifications(ctx context.Context, f NotificationFilter) ([]NotificationRecord, error)

	// Tasks
	CreateTask(ctx context.Context, t *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	UpdateTask(ctx context.Context, t *TaskRecord) error
	UpdateTaskDescription(ctx context.Context, id, description string) error

	// Users
	GetUser(ctx context.Context, email string) (*UserRecord, error)
	UpsertUser(ctx context.Context, u *UserRecord) error

	// Donations
	CreateDonationPool(ctx context.Context, p *DonationPoolRecord) error
	GetDonationPool(ctx context.Context, id string) (*DonationPoolRecord, error)
	AddDonation(ctx context.Context, d *DonationRecord) error

	Close() error
}

// NotificationRecord is a persisted notification addressed to one recipient.
type NotificationRecord struct {
	ID        string    `db:"id" bson:"_id" json:"id"`
	Recipient string    `db:"recipient" bson:"recipient" json:"recipient"`
	Actor     string    `db:"actor" bson:"actor" json:"actor"`
	Kind      string    `db:"kind" bson:"kind" json:"kind"`
	Message   string    `db:"message" bson:"message" json:"message"`
	Read      bool      `db:"is_read" bson:"is_read" json:"isRead"`
	Updated   bool      `db:"is_updated" bson:"is_updated" json:"isUpdated"`
	Status    string    `db:"status" bson:"status,omitempty" json:"status,omitempty"`
	TaskID    string    `db:"task_id" bson:"task_id,omitempty" json:"taskId,omitempty"`
	PoolID    string    `db:"pool_id" bson:"pool_id,omitempty" json:"donationPool,omitempty"`
	BoardID   string    `db:"board_id" bson:"board_id,omitempty" json:"boardId,omitempty"`
	BoardName string    `db:"board_name" bson:"board_name,omitempty" json:"boardName,omitempty"`
	CreatedAt time.Time `db:"-" bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"-" bson:"updated_at" json:"updatedAt"`
}

// NotificationFilter selects notifications either by recipient or by actor.
// Exactly one of Recipient or Actor is expected to be set.
type NotificationFilter struct {
	Recipient  string
	Actor      string
	UnreadOnly bool
	Limit      int
}

// TaskRecord is a persisted task on a board.
type TaskRecord struct {
	ID          string    `db:"id" bson:"_id" json:"id"`
	Title       string    `db:"title" bson:"title" json:"title"`
	Description string    `db:"description" bson:"description" json:"description"`
	Status      string    `db:"status" bson:"status" json:"status"`
	CreatedBy   string    `db:"created_by" bson:"created_by" json:"createdBy"`
	AssignedTo  string    `db:"assigned_to" bson:"assigned_to" json:"assignedTo"`
	BoardID     string    `db:"board_id" bson:"board_id,omitempty" json:"boardId,omitempty"`
	BoardName   string    `db:"board_name" bson:"board_name,omitempty" json:"boardName,omitempty"`
	CreatedAt   time.Time `db:"-" bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"-" bson:"updated_at" json:"updatedAt"`
}

// UserRecord is the subset of a user account the realtime layer needs.
type UserRecord struct {
	Email     string    `db:"email" bson:"_id" json:"email"`
	Name      string    `db:"name" bson:"name" json:"name"`
	Role      string    `db:"role" bson:"role" json:"role"`
	Team      []string  `db:"-" bson:"team" json:"team"`
	CreatedAt time.Time `db:"-" bson:"created_at" json:"createdAt"`
}

// DonationPoolRecord is a fundraising pool opened by a manager.
type DonationPoolRecord struct {
	ID          string    `db:"id" bson:"_id" json:"id"`
	Title       string    `db:"title" bson:"title" json:"title"`
	Description string    `db:"description" bson:"description" json:"description"`
	Amount      float64   `db:"amount" bson:"amount" json:"amount"`
	CreatedBy   string    `db:"created_by" bson:"created_by" json:"createdBy"`
	CreatedAt   time.Time `db:"-" bson:"created_at" json:"createdAt"`
}

// DonationRecord is a single contribution to a pool.
type DonationRecord struct {
	ID        string    `db:"id" bson:"_id" json:"id"`
	PoolID    string    `db:"pool_id" bson:"pool_id" json:"poolId"`
	Donor     string    `db:"donor" bson:"donor" json:"donor"`
	Amount    float64   `db:"amount" bson:"amount" json:"amount"`
	CreatedAt time.Time `db:"-" bson:"created_at" json:"createdAt"`
}
