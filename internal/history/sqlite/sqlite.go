package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/loykin/tether/internal/history"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	db *sqlx.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection: keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS backend_history(
		occurred_ms INTEGER NOT NULL,
		type TEXT NOT NULL,
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		executable TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_ms INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return err
	}
	// databases created before started_ms existed
	_, err := s.db.ExecContext(ctx, `ALTER TABLE backend_history ADD COLUMN started_ms INTEGER NOT NULL DEFAULT 0;`)
	if err != nil && !strings.Contains(err.Error(), "duplicate column") {
		return err
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backend_history(occurred_ms, type, run_id, name, pid, port, executable, error, started_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC().UnixMilli(), string(e.Type), r.RunID, r.Name, r.PID, r.Port, r.Executable, r.Error, unixMilli(r.StartedAt))
	return err
}

// unixMilli stores the zero time as 0.
func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

type row struct {
	OccurredMS int64  `db:"occurred_ms"`
	Type       string `db:"type"`
	StartedMS  int64  `db:"started_ms"`
	history.Record
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT occurred_ms, type, run_id, name, pid, port, executable, error, started_ms
		FROM backend_history
		ORDER BY occurred_ms DESC, rowid DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]history.Event, 0, len(rows))
	for _, r := range rows {
		if r.StartedMS > 0 {
			r.Record.StartedAt = time.UnixMilli(r.StartedMS).UTC()
		}
		out = append(out, history.Event{
			Type:       history.EventType(r.Type),
			OccurredAt: time.UnixMilli(r.OccurredMS).UTC(),
			Record:     r.Record,
		})
	}
	return out, nil
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
