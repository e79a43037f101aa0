package eventstream

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	type           TEXT NOT NULL,
	timestamp      DATETIME NOT NULL,
	process_state  TEXT,
	process_name   TEXT,
	pid            INTEGER,
	dtb            TEXT,
	bug_check_code INTEGER,
	message        TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

// SQLiteRecorder stores events in an SQLite database in the results
// directory.
type SQLiteRecorder struct {
	db     *sql.DB
	insert *sql.Stmt
}

// OpenSQLiteRecorder opens or creates the database at path.
func OpenSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(eventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}
	insert, err := db.Prepare(`INSERT INTO events
		(id, session_id, type, timestamp, process_state, process_name, pid, dtb, bug_check_code, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	return &SQLiteRecorder{db: db, insert: insert}, nil
}

func (r *SQLiteRecorder) Publish(ev Event) error {
	var (
		state, name, dtb sql.NullString
		pid              sql.NullInt64
	)
	if ev.Process != nil {
		state = sql.NullString{String: ev.Process.State.String(), Valid: true}
		name = sql.NullString{String: ev.Process.Name, Valid: true}
		dtb = sql.NullString{String: ev.Process.DTB, Valid: true}
		pid = sql.NullInt64{Int64: int64(ev.Process.Pid), Valid: true}
	}
	_, err := r.insert.Exec(ev.ID, ev.SessionID, string(ev.Type), ev.Timestamp,
		state, name, pid, dtb, int64(ev.BugCheckCode), ev.Message)
	if err != nil {
		return fmt.Errorf("failed to store event %s: %w", ev.ID, err)
	}
	return nil
}

// Count returns the number of stored events of type typ in session.
func (r *SQLiteRecorder) Count(session string, typ EventType) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM events WHERE session_id = ? AND type = ?`, session, string(typ)).Scan(&n)
	return n, err
}

// ProcessEvents returns the process events of session in insertion order.
func (r *SQLiteRecorder) ProcessEvents(session string) ([]ProcessEvent, error) {
	rows, err := r.db.Query(`SELECT process_state, process_name, pid, dtb FROM events
		WHERE session_id = ? AND type = ? ORDER BY rowid`, session, string(EventProcess))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProcessEvent
	for rows.Next() {
		var (
			state string
			ev    ProcessEvent
		)
		if err := rows.Scan(&state, &ev.Name, &ev.Pid, &ev.DTB); err != nil {
			return nil, err
		}
		if state == ProcessTerminated.String() {
			ev.State = ProcessTerminated
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	r.insert.Close()
	return r.db.Close()
}
