// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema, and holds shared scan/time helpers

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

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers: sequence allocation and mission
	// claims rely on it, and :memory: databases are per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS missions (
			id           TEXT PRIMARY KEY,
			prompt       TEXT NOT NULL,
			context      TEXT NOT NULL DEFAULT '',
			priority     TEXT NOT NULL,
			type         TEXT NOT NULL,
			status       TEXT NOT NULL,
			timeout_ms   INTEGER NOT NULL,
			max_retries  INTEGER NOT NULL,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			depends_on   TEXT NOT NULL DEFAULT '[]',
			assigned_to  INTEGER,
			result       TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			started_at   TEXT,
			completed_at TEXT,

			CHECK (priority IN ('critical', 'high', 'normal', 'low')),
			CHECK (status IN ('pending', 'queued', 'processing', 'running', 'completed',
				'failed', 'retrying', 'blocked', 'cancelled')),
			CHECK (retry_count >= 0 AND retry_count <= max_retries)
		);

		CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);
		CREATE INDEX IF NOT EXISTS idx_missions_created ON missions(created_at);

		CREATE TABLE IF NOT EXISTS node_sequences (
			node_id  TEXT PRIMARY KEY,
			last_seq INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS node_messages (
			message_id      TEXT PRIMARY KEY,
			from_node       TEXT NOT NULL,
			to_node         TEXT,
			content         TEXT NOT NULL,
			message_type    TEXT NOT NULL,
			status          TEXT NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			max_retries     INTEGER NOT NULL,
			sequence_number INTEGER NOT NULL,
			created_at      TEXT NOT NULL,
			sent_at         TEXT,
			delivered_at    TEXT,
			read_at         TEXT,

			CHECK (message_type IN ('broadcast', 'direct')),
			CHECK (status IN ('pending', 'sent', 'delivered', 'failed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_node_messages_sender_seq
			ON node_messages(from_node, sequence_number);
		CREATE INDEX IF NOT EXISTS idx_node_messages_to ON node_messages(to_node, read_at);
		CREATE INDEX IF NOT EXISTS idx_node_messages_status ON node_messages(from_node, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations upgrades databases created by older builds.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "missions",
			column: "context",
			apply:  `ALTER TABLE missions ADD COLUMN context TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "node_messages",
			column: "read_at",
			apply:  `ALTER TABLE node_messages ADD COLUMN read_at TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// existsOr resolves a zero-row CAS update into ErrNotFound or ErrConflict.
func (s *SQLiteStore) existsOr(ctx context.Context, query, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking existence: %w", err)
	}
	return ErrConflict
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
