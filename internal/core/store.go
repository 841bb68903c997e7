package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/fleetd/pkg/api"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed event journal.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// Append records ev.
func (s *Store) Append(ctx context.Context, ev api.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, cycle, at, host, outcome, kind, pid, message) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Cycle, ev.Time.UTC().Format(time.RFC3339Nano), ev.Host, string(ev.Outcome), string(ev.Kind), ev.PID, ev.Message)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Emit makes the journal an event sink. Write failures are logged, never
// returned to the supervisor.
func (s *Store) Emit(ev api.Event) {
	if err := s.Append(context.Background(), ev); err != nil {
		log.Warn().Err(err).Msg("Journal write failed")
	}
}

// Recent returns up to limit events, newest first. An empty host matches all.
func (s *Store) Recent(ctx context.Context, host string, limit int) ([]api.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, cycle, at, host, outcome, kind, pid, message FROM events
		 WHERE (? = '' OR host = ?) ORDER BY id DESC LIMIT ?`, host, host, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []api.Event
	for rows.Next() {
		var ev api.Event
		var at, outcome, kind string
		if err := rows.Scan(&ev.RunID, &ev.Cycle, &at, &ev.Host, &outcome, &kind, &ev.PID, &ev.Message); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Time, _ = time.Parse(time.RFC3339Nano, at)
		ev.Outcome = api.Outcome(outcome)
		ev.Kind = api.ErrorKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}
