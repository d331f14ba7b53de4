// Package store is the durable, append-mostly audit trail for session
// events. It is advisory only -- the registry remains the single source of
// truth for routing -- so every write here is wrapped to log and swallow
// its own errors.
package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/sourcegraph/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	created_at REAL NOT NULL,
	destroyed_at REAL,
	last_activity REAL NOT NULL,
	port INTEGER NOT NULL,
	client_ip TEXT,
	user_agent TEXT,
	termination_reason TEXT,
	status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS session_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	timestamp REAL NOT NULL,
	memory_used_mb REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS session_commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	timestamp REAL NOT NULL,
	name TEXT NOT NULL,
	success INTEGER NOT NULL,
	execution_time_ms REAL,
	error_message TEXT
);

CREATE TABLE IF NOT EXISTS session_user_info (
	session_id TEXT PRIMARY KEY,
	first TEXT,
	last TEXT,
	email TEXT,
	updated_at REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions (created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);
CREATE INDEX IF NOT EXISTS idx_session_commands_session_id ON session_commands (session_id);
CREATE INDEX IF NOT EXISTS idx_session_metrics_session_id ON session_metrics (session_id);
`

// CommandFilter decides whether a command execution is persisted: include
// takes precedence over exclude when both are configured.
type CommandFilter struct {
	Include []string
	Exclude []string
}

// NewCommandFilter builds a filter from the comma-separated config strings.
func NewCommandFilter(include, exclude string) CommandFilter {
	return CommandFilter{Include: splitCSV(include), Exclude: splitCSV(exclude)}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ShouldLog implements the include-precedence rule.
func (f CommandFilter) ShouldLog(command string) bool {
	if len(f.Include) > 0 {
		return contains(f.Include, command)
	}
	return !contains(f.Exclude, command)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Store is the sqlite-backed durable session log.
type Store struct {
	db     *sql.DB
	log    log.Logger
	filter CommandFilter
}

// Open opens (and migrates) the sqlite database at path, enabling WAL mode
// so other connections can read while this one writes. The pool holds a
// single connection, so reads and writes from this Store take turns.
func Open(path string, filter CommandFilter) (*Store, error) {
	logger := log.Scoped("store", "durable session event log")

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY under WAL

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("database initialized", log.String("path", path))
	return &Store{db: db, log: logger, filter: filter}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) warn(op string, err error) {
	s.log.Error("store operation failed", log.String("op", op), log.Error(err))
}

// LogSessionCreated inserts the sessions row for a newly created session.
func (s *Store) LogSessionCreated(sessionID string, createdAt float64, port int, clientIP, userAgent string) {
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, created_at, last_activity, port, client_ip, user_agent, status)
		VALUES (?, ?, ?, ?, ?, ?, 'active')`,
		sessionID, createdAt, createdAt, port, clientIP, userAgent)
	if err != nil {
		s.warn("log_session_created", err)
	}
}

// LogSessionDestroyed marks a session row terminated.
func (s *Store) LogSessionDestroyed(sessionID string, destroyedAt float64, reason string) {
	_, err := s.db.Exec(`
		UPDATE sessions SET destroyed_at = ?, termination_reason = ?, status = 'terminated'
		WHERE session_id = ?`,
		destroyedAt, reason, sessionID)
	if err != nil {
		s.warn("log_session_destroyed", err)
	}
}

// LogSessionActivity updates last_activity for a session.
func (s *Store) LogSessionActivity(sessionID string, lastActivity float64) {
	_, err := s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE session_id = ?`, lastActivity, sessionID)
	if err != nil {
		s.warn("log_session_activity", err)
	}
}

// LogSessionMetric appends a memory sample.
func (s *Store) LogSessionMetric(sessionID string, timestamp, memoryUsedMB float64) {
	_, err := s.db.Exec(`
		INSERT INTO session_metrics (session_id, timestamp, memory_used_mb) VALUES (?, ?, ?)`,
		sessionID, timestamp, memoryUsedMB)
	if err != nil {
		s.warn("log_session_metric", err)
	}
}

// LogCommandExecution appends a command row, honoring the configured
// include/exclude filter. A filtered-out command is not an error -- it's
// simply not logged.
func (s *Store) LogCommandExecution(sessionID string, timestamp float64, name string, success bool, executionTimeMs *float64, errMsg *string) {
	if !s.filter.ShouldLog(name) {
		return
	}

	_, err := s.db.Exec(`
		INSERT INTO session_commands (session_id, timestamp, name, success, execution_time_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, timestamp, name, boolToInt(success), executionTimeMs, errMsg)
	if err != nil {
		s.warn("log_command_execution", err)
	}
}

// LogUserInfoUpdate upserts the user_info row for a session.
func (s *Store) LogUserInfoUpdate(sessionID, first, last, email string, updatedAt float64) {
	_, err := s.db.Exec(`
		INSERT INTO session_user_info (session_id, first, last, email, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET first = excluded.first, last = excluded.last, email = excluded.email, updated_at = excluded.updated_at`,
		sessionID, first, last, email, updatedAt)
	if err != nil {
		s.warn("log_user_info_update", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SessionRow is a read projection of the sessions table, used by tests and
// admin tooling to assert on durable state.
type SessionRow struct {
	SessionID         string
	CreatedAt         float64
	DestroyedAt       sql.NullFloat64
	LastActivity      float64
	Port              int
	TerminationReason sql.NullString
	Status            string
}

// GetSession reads a single sessions row, for tests/assertions.
func (s *Store) GetSession(sessionID string) (SessionRow, error) {
	var row SessionRow
	err := s.db.QueryRow(`
		SELECT session_id, created_at, destroyed_at, last_activity, port, termination_reason, status
		FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&row.SessionID, &row.CreatedAt, &row.DestroyedAt, &row.LastActivity, &row.Port, &row.TerminationReason, &row.Status)
	return row, err
}

// CountCommands returns how many session_commands rows exist for a session,
// optionally filtered by name.
func (s *Store) CountCommands(sessionID, name string) (int, error) {
	var n int
	var err error
	if name == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM session_commands WHERE session_id = ?`, sessionID).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM session_commands WHERE session_id = ? AND name = ?`, sessionID, name).Scan(&n)
	}
	return n, err
}

// CountMetrics returns how many session_metrics rows exist for a session.
func (s *Store) CountMetrics(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM session_metrics WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// CommandTimestamps returns the ordered timestamps logged for a session's
// commands, used to test the non-decreasing ordering invariant.
func (s *Store) CommandTimestamps(sessionID string) ([]float64, error) {
	rows, err := s.db.Query(`SELECT timestamp FROM session_commands WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var ts float64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}
