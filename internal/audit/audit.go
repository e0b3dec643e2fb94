package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Event string

const (
	CommandExecuted    Event = "COMMAND_EXECUTED"
	CommandBlocked     Event = "COMMAND_BLOCKED"
	InjectionWarning   Event = "INJECTION_WARNING"
	SessionCreated     Event = "SESSION_CREATED"
	SessionDeleted     Event = "SESSION_DELETED"
	SessionReset       Event = "SESSION_RESET"
	SessionSwitched    Event = "SESSION_SWITCHED"
	SessionPersisted   Event = "SESSION_PERSISTED"
	SessionRestored    Event = "SESSION_RESTORED"
	RateLimited        Event = "RATE_LIMITED"
	RetryAttempted     Event = "RETRY_ATTEMPTED"
	UnauthorizedAccess Event = "UNAUTHORIZED_ACCESS"
)

type Entry struct {
	ID      string         `json:"id"`
	Time    time.Time      `json:"time"`
	Event   Event          `json:"event"`
	UserID  string         `json:"user_id,omitempty"`
	Session string         `json:"session,omitempty"`
	Command string         `json:"command,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Success bool           `json:"success"`
}

// Log is the append-only audit trail.
type Log struct {
	db *sql.DB
}

func Open(dsn string) (*Log, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := l.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Record appends e, assigning an id and timestamp when they are unset.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var details *string
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		s := string(b)
		details = &s
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO audit_log (id, timestamp, event, user_id, session, command, details, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UnixMilli(), string(e.Event), e.UserID, e.Session, e.Command, details, e.Success)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `SELECT id, timestamp, event, user_id, session, command, details, success
		FROM audit_log ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      int64
			event   string
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &event, &e.UserID, &e.Session, &e.Command, &details, &e.Success); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Time = time.UnixMilli(ts)
		e.Event = Event(event)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode details for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
