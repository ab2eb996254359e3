package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL,
	session_id     TEXT NOT NULL DEFAULT '',
	event_type     TEXT NOT NULL,
	agent_name     TEXT NOT NULL DEFAULT '',
	node_name      TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	data           TEXT NOT NULL DEFAULT '{}',
	context        TEXT NOT NULL DEFAULT '{}',
	timestamp_ns   INTEGER NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	token_count    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_entries(task_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session_id);
CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
BEFORE UPDATE ON audit_entries
BEGIN
	SELECT RAISE(ABORT, 'audit entries are append-only');
END;
CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
BEFORE DELETE ON audit_entries
BEGIN
	SELECT RAISE(ABORT, 'audit entries are append-only');
END;
`

const selectColumns = `id, task_id, session_id, event_type, agent_name, node_name, description,
	data, context, timestamp_ns, correlation_id, duration_ms, token_count`

// SQLiteStore persists entries in a SQLite database. Triggers reject any
// UPDATE or DELETE, so the table stays append-only even for other clients.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := marshalMap(e.Data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	ectx, err := marshalMap(e.Context)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.SessionID, string(e.EventType), e.AgentName, e.NodeName, e.Description,
		data, ectx, e.Timestamp.UnixNano(), e.CorrelationID, e.DurationMS, e.TokenCount,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
		}
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM audit_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return e, nil
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}

	query := `SELECT ` + selectColumns + ` FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp_ns ASC, rowid ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e           Entry
		eventType   string
		data, ectx  string
		timestampNS int64
	)
	err := row.Scan(&e.ID, &e.TaskID, &e.SessionID, &eventType, &e.AgentName, &e.NodeName,
		&e.Description, &data, &ectx, &timestampNS, &e.CorrelationID, &e.DurationMS, &e.TokenCount)
	if err != nil {
		return Entry{}, err
	}
	e.EventType = EventType(eventType)
	e.Timestamp = time.Unix(0, timestampNS).UTC()
	if e.Data, err = unmarshalMap(data); err != nil {
		return Entry{}, err
	}
	if e.Context, err = unmarshalMap(ectx); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
