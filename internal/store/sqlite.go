// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Handles connection setup, schema creation, migrations and shared helpers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so that text ordering in SQL matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

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

	// A single connection serializes writers, which makes the conditional
	// load updates atomic and keeps :memory: databases on one connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
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
		CREATE TABLE IF NOT EXISTS agents (
			id             TEXT PRIMARY KEY,
			scope          TEXT NOT NULL,
			name           TEXT NOT NULL,
			capabilities   TEXT NOT NULL DEFAULT '[]',
			status         TEXT NOT NULL DEFAULT 'available',
			current_load   INTEGER NOT NULL DEFAULT 0,
			max_concurrent INTEGER NOT NULL DEFAULT 3,
			endpoint       TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('available', 'busy', 'offline')),
			CHECK (current_load >= 0),
			CHECK (max_concurrent >= 1)
		);

		CREATE INDEX IF NOT EXISTS idx_agents_scope_status ON agents(scope, status);

		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			scope           TEXT NOT NULL,
			title           TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			required_skills TEXT NOT NULL DEFAULT '[]',
			urgency         TEXT NOT NULL DEFAULT 'normal',
			urgency_rank    INTEGER NOT NULL DEFAULT 2,
			timeout_seconds INTEGER NOT NULL,
			max_retries     INTEGER NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			callback_url    TEXT,
			status          TEXT NOT NULL DEFAULT 'pending',
			assigned_to     TEXT,
			assigned_at     TEXT,
			result          TEXT,
			reason          TEXT,
			version         INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (urgency IN ('low', 'normal', 'high', 'critical')),
			CHECK (status IN ('pending', 'assigned', 'completed', 'failed', 'escalated')),
			CHECK ((status = 'assigned') = (assigned_to IS NOT NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_scope_status ON tasks(scope, status);
		CREATE INDEX IF NOT EXISTS idx_tasks_scope_created ON tasks(scope, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to);

		CREATE TABLE IF NOT EXISTS skill_metrics (
			scope             TEXT NOT NULL,
			agent_id          TEXT NOT NULL,
			skill             TEXT NOT NULL,
			success_count     INTEGER NOT NULL DEFAULT 0,
			failure_count     INTEGER NOT NULL DEFAULT 0,
			total_duration_ms INTEGER NOT NULL DEFAULT 0,
			sample_count      INTEGER NOT NULL DEFAULT 0,
			last_completed_at TEXT,

			PRIMARY KEY (scope, agent_id, skill)
		);

		CREATE INDEX IF NOT EXISTS idx_skill_metrics_agent ON skill_metrics(agent_id);

		CREATE TABLE IF NOT EXISTS routing_decisions (
			id          TEXT PRIMARY KEY,
			scope       TEXT NOT NULL,
			task_id     TEXT NOT NULL,
			agent_id    TEXT,
			outcome     TEXT NOT NULL,
			score       REAL NOT NULL DEFAULT 0,
			reason      TEXT,
			candidates  TEXT NOT NULL DEFAULT '[]',
			created_at  TEXT NOT NULL,

			CHECK (outcome IN ('assigned', 'no_match'))
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_task ON routing_decisions(task_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_decisions_scope ON routing_decisions(scope);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agents",
			column: "endpoint",
			apply:  `ALTER TABLE agents ADD COLUMN endpoint TEXT`,
		},
		{
			table:  "tasks",
			column: "reason",
			apply:  `ALTER TABLE tasks ADD COLUMN reason TEXT`,
		},
		{
			table:  "tasks",
			column: "urgency_rank",
			apply:  `ALTER TABLE tasks ADD COLUMN urgency_rank INTEGER NOT NULL DEFAULT 2`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping verifies the database connection is alive
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// newID returns prefix followed by 24 hex characters, e.g. "rt_3f2a...".
func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

// NewAgentID generates an id for an agent registered without one.
func NewAgentID() string { return newID("ra_") }

// NewTaskID generates an id for a submitted task.
func NewTaskID() string { return newID("rt_") }

// NewDecisionID generates an id for a routing decision.
func NewDecisionID() string { return newID("rd_") }

// formatTime renders t in the store's fixed-width UTC format
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// parseTime parses a stored timestamp
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// nullTime returns nil for a nil time, otherwise the formatted string
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseNullTime parses an optional stored timestamp
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// encodeSet serializes a normalized string set as a JSON array
func encodeSet(set []string) (string, error) {
	if set == nil {
		set = []string{}
	}
	data, err := json.Marshal(set)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeSet parses a JSON array column back into a normalized set
func decodeSet(s string) ([]string, error) {
	if s == "" {
		return []string{}, nil
	}
	var set []string
	if err := json.Unmarshal([]byte(s), &set); err != nil {
		return nil, err
	}
	return NormalizeSkills(set), nil
}

// normalizeLimit applies default (50) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// scopeOrDefault maps an empty scope to DefaultScope
func scopeOrDefault(scope string) string {
	if scope == "" {
		return DefaultScope
	}
	return scope
}
