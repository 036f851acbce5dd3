package audit

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	stage      TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_session ON audit_events (session_id, created_at);
`

// SQLiteRecorder persists audit events in a SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the ledger at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLiteRecorder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLiteRecorder{db: db, now: time.Now}, nil
}

func (s *SQLiteRecorder) Record(ctx context.Context, event Event) error {
	event, err := normalize(event, s.now)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO audit_events (id, session_id, subject, kind, stage, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		event.ID,
		event.SessionID,
		event.Subject,
		string(event.Kind),
		event.Stage,
		event.Detail,
		event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

func (s *SQLiteRecorder) List(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, subject, kind, stage, detail, created_at
FROM audit_events
WHERE session_id = ?
ORDER BY created_at ASC, seq ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Subject, &kind, &e.Stage, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Kind = Kind(kind)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func (s *SQLiteRecorder) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Recorder = (*SQLiteRecorder)(nil)
