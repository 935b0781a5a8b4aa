package queue

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	dedup_key       TEXT NOT NULL,
	group_id        TEXT NOT NULL,
	order_id        TEXT NOT NULL,
	order_number    TEXT NOT NULL,
	printer_id      TEXT NOT NULL DEFAULT '',
	payload         BLOB NOT NULL,
	priority        INTEGER NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	leased_until    INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	last_error      TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedup_active
	ON jobs(dedup_key)
	WHERE status NOT IN ('done', 'dead');

CREATE INDEX IF NOT EXISTS idx_jobs_ready
	ON jobs(group_id, status, next_attempt_at);
`

// openDB opens (and migrates) the sqlite-backed queue file. modernc.org/sqlite
// is pure Go, so a single *sql.DB is kept open for the process lifetime and
// every write goes through a single connection (WAL journal mode, 5 s busy
// timeout) to avoid SQLITE_BUSY.
func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}
	return db, nil
}
