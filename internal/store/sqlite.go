package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so TEXT columns sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

const memoryPath = ":memory:"

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO) through sqlx.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
// The special path ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != memoryPath {
		if err := prepareFile(path); err != nil {
			return nil, err
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func prepareFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	// Pre-create the file with restrictive permissions if it doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating database file: %w", err)
		}
		_ = f.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Notifications ---

const notificationColumns = `id, recipient, actor, kind, message, is_read, is_updated, status,
	task_id, pool_id, board_id, board_name, created_at, updated_at`

type notificationRow struct {
	NotificationRecord
	CreatedAtText string `db:"created_at"`
	UpdatedAtText string `db:"updated_at"`
}

func (r notificationRow) record() NotificationRecord {
	n := r.NotificationRecord
	n.CreatedAt = parseTime(r.CreatedAtText)
	n.UpdatedAt = parseTime(r.UpdatedAtText)
	return n
}

func (s *SQLiteStore) InsertNotification(ctx context.Context, n *NotificationRecord) error {
	return insertNotification(ctx, s.db, n)
}

func insertNotification(ctx context.Context, db sqlx.ExecerContext, n *NotificationRecord) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}

	_, err := db.ExecContext(ctx, `INSERT INTO notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Recipient, n.Actor, n.Kind, n.Message, n.Read, n.Updated, n.Status,
		n.TaskID, n.PoolID, n.BoardID, n.BoardName,
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// UpsertTaskNotification updates the newest record for (TaskID, Recipient) in
// place, or inserts n when there is none. On update n.ID is set to the
// existing record's ID.
func (s *SQLiteStore) UpsertTaskNotification(ctx context.Context, n *NotificationRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.GetContext(ctx, &existing,
		`SELECT id FROM notifications WHERE task_id = ? AND recipient = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, n.TaskID, n.Recipient)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := insertNotification(ctx, tx, n); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("finding task notification: %w", err)
	default:
		n.ID = existing
		n.UpdatedAt = time.Now()
		_, err = tx.ExecContext(ctx, `UPDATE notifications SET
			actor = ?, kind = ?, message = ?, status = ?, is_read = ?, is_updated = ?,
			board_id = ?, board_name = ?, updated_at = ?
			WHERE id = ?`,
			n.Actor, n.Kind, n.Message, n.Status, n.Read, n.Updated,
			n.BoardID, n.BoardName, formatTime(n.UpdatedAt), n.ID)
		if err != nil {
			return fmt.Errorf("updating task notification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing task notification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkAllNotificationsRead(ctx context.Context, recipient string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1, updated_at = ? WHERE recipient = ? AND is_read = 0",
		formatTime(time.Now()), recipient)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting updated notifications: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id, recipient string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1, updated_at = ? WHERE id = ? AND recipient = ?",
		formatTime(time.Now()), id, recipient)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, f NotificationFilter) ([]NotificationRecord, error) {
	query := "SELECT " + notificationColumns + " FROM notifications WHERE 1=1"
	var args []any

	if f.Recipient != "" {
		query += " AND recipient = ?"
		args = append(args, f.Recipient)
	}
	if f.Actor != "" {
		query += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if f.UnreadOnly {
		query += " AND is_read = 0"
	}

	query += " ORDER BY created_at DESC, rowid DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	out := make([]NotificationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// --- Tasks ---

const taskColumns = `id, title, description, status, created_by, assigned_to,
	board_id, board_name, created_at, updated_at`

type taskRow struct {
	TaskRecord
	CreatedAtText string `db:"created_at"`
	UpdatedAtText string `db:"updated_at"`
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *TaskRecord) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Status, t.CreatedBy, t.AssignedTo,
		t.BoardID, t.BoardName, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	var r taskRow
	err := s.db.GetContext(ctx, &r, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}

	t := r.TaskRecord
	t.CreatedAt = parseTime(r.CreatedAtText)
	t.UpdatedAt = parseTime(r.UpdatedAtText)
	return &t, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *TaskRecord) error {
	t.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET
		title = ?, description = ?, status = ?, assigned_to = ?,
		board_id = ?, board_name = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Description, t.Status, t.AssignedTo,
		t.BoardID, t.BoardName, formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateTaskDescription(ctx context.Context, id, description string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET description = ?, updated_at = ? WHERE id = ?",
		description, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating task description: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Users ---

func (s *SQLiteStore) GetUser(ctx context.Context, email string) (*UserRecord, error) {
	var r struct {
		UserRecord
		CreatedAtText string `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &r, "SELECT email, name, role, created_at FROM users WHERE email = ?", email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}

	u := r.UserRecord
	u.CreatedAt = parseTime(r.CreatedAtText)
	if err := s.db.SelectContext(ctx, &u.Team,
		"SELECT member FROM user_team WHERE owner = ? ORDER BY member", email); err != nil {
		return nil, fmt.Errorf("getting team: %w", err)
	}
	return &u, nil
}

// UpsertUser creates or updates the user and replaces their team.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u *UserRecord) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO users (email, name, role, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET name = excluded.name, role = excluded.role`,
		u.Email, u.Name, u.Role, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM user_team WHERE owner = ?", u.Email); err != nil {
		return fmt.Errorf("clearing team: %w", err)
	}
	for _, member := range u.Team {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO user_team (owner, member) VALUES (?, ?)", u.Email, member); err != nil {
			return fmt.Errorf("adding team member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing user: %w", err)
	}
	return nil
}

// --- Donations ---

func (s *SQLiteStore) CreateDonationPool(ctx context.Context, p *DonationPoolRecord) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO donation_pools (id, title, description, amount, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Description, p.Amount, p.CreatedBy, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting donation pool: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDonationPool(ctx context.Context, id string) (*DonationPoolRecord, error) {
	var r struct {
		DonationPoolRecord
		CreatedAtText string `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &r,
		"SELECT id, title, description, amount, created_by, created_at FROM donation_pools WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting donation pool: %w", err)
	}

	p := r.DonationPoolRecord
	p.CreatedAt = parseTime(r.CreatedAtText)
	return &p, nil
}

func (s *SQLiteStore) AddDonation(ctx context.Context, d *DonationRecord) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO donations (id, pool_id, donor, amount, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.PoolID, d.Donor, d.Amount, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting donation: %w", err)
	}
	return nil
}

// --- Helpers ---

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}
