package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"parley/internal/apperr"
)

type DB struct {
	*sql.DB
	Feed *Feed

	// publishMu spans commit and publish so the feed sees transactions
	// in commit order.
	publishMu sync.Mutex
}

// Init opens (creating if needed) the SQLite database at path, applies the
// schema and attaches a change feed whose streams buffer feedBuffer
// changes each.
func Init(path string, feedBuffer int) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	d := &DB{DB: sqldb, Feed: NewFeed(feedBuffer)}
	if err := d.migrate(); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return d, nil
}

// Close ends every feed stream before closing the database.
func (d *DB) Close() error {
	d.Feed.Close()
	return d.DB.Close()
}

func (d *DB) migrate() error {
	_, err := d.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS communities (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	id          TEXT PRIMARY KEY,
	scope_id    TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_private  INTEGER NOT NULL DEFAULT 0,
	is_archived INTEGER NOT NULL DEFAULT 0,
	created_by  TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	FOREIGN KEY (scope_id) REFERENCES communities(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS channel_members (
	channel_id            TEXT NOT NULL,
	user_id               TEXT NOT NULL,
	role                  TEXT NOT NULL DEFAULT 'member',
	joined_at             INTEGER NOT NULL,
	last_read_at          INTEGER,
	notification_settings TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (channel_id, user_id),
	FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS messages (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT UNIQUE NOT NULL,
	channel_id        TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	content           TEXT NOT NULL,
	metadata          TEXT NOT NULL DEFAULT '{}',
	parent_message_id TEXT,
	thread_root_id    TEXT NOT NULL,
	is_edited         INTEGER NOT NULL DEFAULT 0,
	edited_at         INTEGER,
	is_deleted        INTEGER NOT NULL DEFAULT 0,
	deleted_at        INTEGER,
	created_at        INTEGER NOT NULL,
	FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS reactions (
	message_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	emoji      TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, user_id, emoji),
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS mentions (
	id                TEXT PRIMARY KEY,
	message_id        TEXT NOT NULL,
	channel_id        TEXT NOT NULL,
	mentioned_user_id TEXT NOT NULL,
	mention_type      TEXT NOT NULL,
	is_read           INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	UNIQUE (message_id, mentioned_user_id),
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	message_id   TEXT,
	file_name    TEXT NOT NULL,
	size         INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	storage_url  TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	checksum     TEXT NOT NULL DEFAULT '',
	uploaded_by  TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS read_status (
	channel_id            TEXT NOT NULL,
	user_id               TEXT NOT NULL,
	last_read_message_id  TEXT,
	last_read_at          INTEGER,
	unread_count          INTEGER NOT NULL DEFAULT 0,
	unread_mentions_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, user_id),
	FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS typing_indicators (
	channel_id        TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	started_typing_at INTEGER NOT NULL,
	expires_at        INTEGER NOT NULL,
	PRIMARY KEY (channel_id, user_id),
	FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_scope_name ON channels(scope_id, name) WHERE is_archived = 0;
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_root_id, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id);
CREATE INDEX IF NOT EXISTS idx_mentions_user ON mentions(mentioned_user_id, is_read);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
CREATE INDEX IF NOT EXISTS idx_attachments_orphans ON attachments(created_at) WHERE message_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_typing_expiry ON typing_indicators(expires_at);
`

// --- Helpers ---

func NewID() string {
	return uuid.NewString()
}

// Txn is a write transaction that collects feed changes; they are
// published only after a successful commit.
type Txn struct {
	*sql.Tx
	changes []Change
}

func (t *Txn) Emit(c Change) {
	t.changes = append(t.changes, c)
}

// Tx runs fn inside a transaction. A non-nil error from fn rolls back and
// is returned unchanged.
func (d *DB) Tx(ctx context.Context, fn func(tx *Txn) error) error {
	sqltx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "db.Tx.Begin")
	}
	tx := &Txn{Tx: sqltx}
	if err := fn(tx); err != nil {
		_ = sqltx.Rollback()
		return err
	}
	d.publishMu.Lock()
	defer d.publishMu.Unlock()
	if err := sqltx.Commit(); err != nil {
		return classify(err, "db.Tx.Commit")
	}
	d.Feed.Publish(tx.changes...)
	return nil
}

// queryer is satisfied by *sql.DB and *Txn.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toMS(t time.Time) int64 { return t.UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMS(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMS(n.Int64)
	return &t
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var errRecordNotFound = apperr.NotFound("record not found")

// classify maps driver errors onto the apperr taxonomy and adds the
// operation name as context.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(errRecordNotFound, op)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return errors.Wrap(apperr.Wrap(apperr.CodeConflict, "duplicate record", err), op)
		case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY,
			code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "FOREIGN KEY"):
			return errors.Wrap(apperr.Wrap(apperr.CodeNotFound, "referenced record not found", err), op)
		case code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"):
			return errors.Wrap(apperr.Wrap(apperr.CodeConflict, "duplicate record", err), op)
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
			return errors.Wrap(apperr.Transient("database busy", err), op)
		}
	}
	return errors.Wrap(err, op)
}
