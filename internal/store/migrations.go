package store

// migrations are applied in order; index i is schema version i+1.
var migrations = []string{
	`CREATE TABLE notifications (
		id          TEXT PRIMARY KEY,
		recipient   TEXT NOT NULL,
		actor       TEXT NOT NULL,
		kind        TEXT NOT NULL,
		message     TEXT NOT NULL,
		is_read     INTEGER NOT NULL DEFAULT 0,
		is_updated  INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT '',
		task_id     TEXT NOT NULL DEFAULT '',
		pool_id     TEXT NOT NULL DEFAULT '',
		board_id    TEXT NOT NULL DEFAULT '',
		board_name  TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX idx_notifications_recipient ON notifications (recipient, is_read);
	CREATE INDEX idx_notifications_actor ON notifications (actor);
	CREATE INDEX idx_notifications_task ON notifications (task_id, recipient);

	CREATE TABLE tasks (
		id           TEXT PRIMARY KEY,
		title        TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'ToDo',
		created_by   TEXT NOT NULL,
		assigned_to  TEXT NOT NULL,
		board_id     TEXT NOT NULL DEFAULT '',
		board_name   TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);`,

	`CREATE TABLE users (
		email       TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		role        TEXT NOT NULL DEFAULT 'employee',
		created_at  TEXT NOT NULL
	);
	CREATE TABLE user_team (
		owner   TEXT NOT NULL REFERENCES users (email) ON DELETE CASCADE,
		member  TEXT NOT NULL,
		PRIMARY KEY (owner, member)
	);`,

	`CREATE TABLE donation_pools (
		id           TEXT PRIMARY KEY,
		title        TEXT NOT NULL,
		description  TEXT NOT NULL,
		amount       REAL NOT NULL DEFAULT 0,
		created_by   TEXT NOT NULL,
		created_at   TEXT NOT NULL
	);
	CREATE TABLE donations (
		id          TEXT PRIMARY KEY,
		pool_id     TEXT NOT NULL REFERENCES donation_pools (id),
		donor       TEXT NOT NULL,
		amount      REAL NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX idx_donations_pool ON donations (pool_id);`,
}
