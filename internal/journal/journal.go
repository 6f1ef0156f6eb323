package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-speechd/internal/config"
)

const (
	EventVoicesEnumerated = "voices.enumerated"
	EventStreamCompleted  = "stream.completed"
	EventStreamCancelled  = "stream.cancelled"
	EventStreamFailed     = "stream.failed"
	EventCommandRejected  = "command.rejected"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// Event is one entry on a connection's timeline.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Session is one client connection.
type Session struct {
	ID       string
	Remote   string
	OpenedAt time.Time
	ClosedAt time.Time
}

// Journal stores connection timelines in SQLite. In ephemeral mode nothing is kept
// and every method is a no-op.
type Journal struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open prepares the journal database according to cfg.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Journal, error) {
	j := &Journal{cfg: cfg, log: log.With(slog.String("component", "journal")), clock: time.Now}
	if cfg.RetentionMode == RetentionEphemeral {
		return j, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_time_format=sqlite", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	j.db = db

	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			j.log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := j.Prune(ctx); err != nil {
		j.log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS connections (
    session_id TEXT PRIMARY KEY,
    remote_addr TEXT,
    opened_at TIMESTAMP NOT NULL,
    closed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS connection_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES connections(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_connection_events_session ON connection_events(session_id, id);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

func (j *Journal) enabled() bool {
	return j != nil && j.db != nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if !j.enabled() {
		return nil
	}
	return j.db.Close()
}

// OpenSession records a new connection.
func (j *Journal) OpenSession(ctx context.Context, sessionID, remote string) error {
	if !j.enabled() {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO connections(session_id, remote_addr, opened_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET remote_addr=excluded.remote_addr`,
		sessionID, remote, j.clock().UTC())
	return err
}

// CloseSession stamps the connection as closed. In session retention mode the
// connection's events are dropped at this point.
func (j *Journal) CloseSession(ctx context.Context, sessionID string) error {
	if !j.enabled() {
		return nil
	}
	if j.cfg.RetentionMode == RetentionSession {
		_, err := j.db.ExecContext(ctx, `DELETE FROM connection_events WHERE session_id = ?`, sessionID)
		if err != nil {
			return err
		}
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE connections SET closed_at = ? WHERE session_id = ?`, j.clock().UTC(), sessionID)
	return err
}

// AppendEvent adds an event to a connection's timeline.
func (j *Journal) AppendEvent(ctx context.Context, evt Event) error {
	if !j.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = j.clock().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO connection_events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// SessionEvents returns up to limit events for a connection in the order they happened.
func (j *Journal) SessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !j.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM connection_events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Sessions lists connections, most recent first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if !j.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, remote_addr, opened_at, closed_at FROM connections
		 ORDER BY opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s      Session
			opened string
			closed sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Remote, &opened, &closed); err != nil {
			return nil, err
		}
		s.OpenedAt = parseTime(opened)
		if closed.Valid {
			s.ClosedAt = parseTime(closed.String)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Prune drops connections older than the retention window and keeps at most
// MaxSessions of the newest ones.
func (j *Journal) Prune(ctx context.Context) (err error) {
	if !j.enabled() {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM connections WHERE opened_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if j.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM connections WHERE session_id IN (
			SELECT session_id FROM connections ORDER BY opened_at DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

func parseTime(value string) time.Time {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
