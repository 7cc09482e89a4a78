package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/tether/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "backend_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type String,
			occurred_at DateTime64(3),
			run_id String,
			name String,
			pid UInt32,
			port UInt16,
			executable String,
			error String,
			started_at Nullable(DateTime64(3))
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, run_id)`)
	if err != nil {
		return err
	}
	return s.conn.Exec(ctx, `ALTER TABLE `+s.table+` ADD COLUMN IF NOT EXISTS started_at Nullable(DateTime64(3))`)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	var started *time.Time
	if !r.StartedAt.IsZero() {
		t := r.StartedAt.UTC()
		started = &t
	}
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, run_id, name, pid, port, executable, error, started_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		r.RunID,
		r.Name,
		uint32(r.PID),
		uint16(r.Port),
		r.Executable,
		r.Error,
		started,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns the number of stored events of type t.
func (s *Sink) Count(ctx context.Context, t history.EventType) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, "SELECT count() FROM "+s.table+" WHERE type = ?", string(t))
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

type row struct {
	Type       string     `ch:"type"`
	OccurredAt time.Time  `ch:"occurred_at"`
	RunID      string     `ch:"run_id"`
	Name       string     `ch:"name"`
	PID        uint32     `ch:"pid"`
	Port       uint16     `ch:"port"`
	Executable string     `ch:"executable"`
	Error      string     `ch:"error"`
	StartedAt  *time.Time `ch:"started_at"`
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []row
	err := s.conn.Select(ctx, &rows, `
		SELECT type, occurred_at, run_id, name, pid, port, executable, error, started_at
		FROM `+s.table+`
		ORDER BY occurred_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read events from ClickHouse: %w", err)
	}
	out := make([]history.Event, 0, len(rows))
	for _, r := range rows {
		rec := history.Record{
			RunID:      r.RunID,
			Name:       r.Name,
			PID:        int(r.PID),
			Port:       int(r.Port),
			Executable: r.Executable,
			Error:      r.Error,
		}
		if r.StartedAt != nil {
			rec.StartedAt = r.StartedAt.UTC()
		}
		out = append(out, history.Event{
			Type:       history.EventType(r.Type),
			OccurredAt: r.OccurredAt.UTC(),
			Record:     rec,
		})
	}
	return out, nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
