package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/telemetria/telemetria/pkg/telemetry"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	ts         TEXT NOT NULL,
	id_session TEXT NOT NULL,
	id_user    TEXT NOT NULL,
	id_game    TEXT NOT NULL,
	fields     TEXT
);
CREATE INDEX IF NOT EXISTS events_session ON events (id_session, seq);
`

// SQLitePersister inserts each event as a row of the events table.
type SQLitePersister struct {
	path  string
	sqlDB *sql.DB
}

// OpenSQLiteDB opens the database at path and applies the events schema.
func OpenSQLiteDB(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return sqlDB, nil
}

// NewSQLitePersister opens (or creates) the database at path.
func NewSQLitePersister(path string) (*SQLitePersister, error) {
	sqlDB, err := OpenSQLiteDB(path)
	if err != nil {
		return nil, fmt.Errorf("persist.NewSQLitePersister: %w", err)
	}
	return &SQLitePersister{path: path, sqlDB: sqlDB}, nil
}

func (p *SQLitePersister) Name() string { return "sqlite:" + p.path }

// Save inserts one row.
func (p *SQLitePersister) Save(evt telemetry.Event) error {
	var fields sql.NullString
	if len(evt.Fields) > 0 {
		b, err := json.Marshal(evt.Fields)
		if err != nil {
			return fmt.Errorf("persist.SQLitePersister: encode fields: %w", err)
		}
		fields = sql.NullString{String: string(b), Valid: true}
	}
	_, err := p.sqlDB.Exec(
		`INSERT INTO events (event_type, ts, id_session, id_user, id_game, fields) VALUES (?, ?, ?, ?, ?, ?)`,
		string(evt.Type),
		evt.Timestamp.UTC().Format(time.RFC3339Nano),
		evt.SessionID,
		evt.UserID,
		evt.GameID,
		fields,
	)
	if err != nil {
		return fmt.Errorf("persist.SQLitePersister: insert: %w", err)
	}
	return nil
}

// Events returns every stored event in insertion order.
func (p *SQLitePersister) Events(ctx context.Context) ([]telemetry.Event, error) {
	return SQLiteEvents(ctx, p.sqlDB, "")
}

// SQLiteEvents reads the events table of db in insertion order. An empty
// sessionID reads all sessions.
func SQLiteEvents(ctx context.Context, db *sql.DB, sessionID string) ([]telemetry.Event, error) {
	query := `SELECT event_type, ts, id_session, id_user, id_game, fields FROM events`
	var args []any
	if sessionID != "" {
		query += ` WHERE id_session = ?`
		args = append(args, sessionID)
	}
	rows, err := db.QueryContext(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("persist.SQLiteEvents: query: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		var (
			evt    telemetry.Event
			typ    string
			ts     string
			fields sql.NullString
		)
		if err := rows.Scan(&typ, &ts, &evt.SessionID, &evt.UserID, &evt.GameID, &fields); err != nil {
			return nil, fmt.Errorf("persist.SQLiteEvents: scan: %w", err)
		}
		evt.Type = telemetry.EventType(typ)
		if evt.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("persist.SQLiteEvents: timestamp %q: %w", ts, err)
		}
		if fields.Valid {
			if err := json.Unmarshal([]byte(fields.String), &evt.Fields); err != nil {
				return nil, fmt.Errorf("persist.SQLiteEvents: fields: %w", err)
			}
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persist.SQLiteEvents: %w", err)
	}
	return events, nil
}

// Close closes the SQLite handle.
func (p *SQLitePersister) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}
