// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, entry)
//	recent, _ := store.Recent(ctx, sessionID, 20)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    kind          TEXT         NOT NULL,
    user_name     TEXT         NOT NULL DEFAULT '',
    step          TEXT         NOT NULL DEFAULT '',
    text          TEXT         NOT NULL DEFAULT '',
    original_text TEXT         NOT NULL DEFAULT '',
    correction    TEXT         NOT NULL DEFAULT '',
    feedback      TEXT         NOT NULL DEFAULT '',
    phase         TEXT         NOT NULL DEFAULT '',
    duration_ns   BIGINT       NOT NULL DEFAULT 0,
    timestamp     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_id
    ON transcript_entries (session_id, id);
`

// Migrate creates the tables and indexes the store needs. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("migrate: transcript_entries: %w", err)
	}
	return nil
}
