package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/tutorvoice/internal/history"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ history.Store = (*Store)(nil)

// Store is a [history.Store] backed by the transcript_entries table. All
// methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks database connectivity. It is used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Append implements [history.Store].
func (s *Store) Append(ctx context.Context, e history.Entry) error {
	const q = `
		INSERT INTO transcript_entries
		    (session_id, kind, user_name, step, text, original_text, correction, feedback, phase, duration_ns, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		string(e.Kind),
		e.UserName,
		e.Step,
		e.Text,
		e.OriginalText,
		e.Correction,
		e.Feedback,
		e.Phase,
		e.Duration.Nanoseconds(),
		ts,
	)
	if err != nil {
		return fmt.Errorf("history store: append: %w", err)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]history.Entry, error) {
	q := `
		SELECT session_id, kind, user_name, step, text, original_text, correction, feedback, phase, duration_ns, timestamp
		FROM (
		    SELECT * FROM transcript_entries
		    WHERE  session_id = $1
		    ORDER  BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += "\n\t\t    LIMIT $2"
		args = append(args, limit)
	}
	q += `
		) recent
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	return collectEntries(rows)
}

// collectEntries scans pgx rows into entries.
func collectEntries(rows pgx.Rows) ([]history.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var (
			e          history.Entry
			kind       string
			durationNS int64
		)
		if err := row.Scan(
			&e.SessionID,
			&kind,
			&e.UserName,
			&e.Step,
			&e.Text,
			&e.OriginalText,
			&e.Correction,
			&e.Feedback,
			&e.Phase,
			&durationNS,
			&e.Timestamp,
		); err != nil {
			return history.Entry{}, err
		}
		e.Kind = history.Kind(kind)
		e.Duration = time.Duration(durationNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return entries, nil
}
