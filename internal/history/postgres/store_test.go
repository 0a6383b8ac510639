package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/tutorvoice/internal/history"
	"github.com/MrWong99/tutorvoice/internal/history/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if TUTORVOICE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TUTORVOICE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TUTORVOICE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store on a freshly dropped schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS transcript_entries`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_AppendRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	entries := []history.Entry{
		{SessionID: "s1", Kind: history.KindUtterance, UserName: "Ada", Phase: "opening", Duration: 1500 * time.Millisecond, Timestamp: base},
		{SessionID: "s1", Kind: history.KindReply, Step: "reply", Text: "Bonjour Ada", OriginalText: "bonjour", Timestamp: base.Add(time.Second)},
		{SessionID: "s1", Kind: history.KindReply, Text: "Encore?", Timestamp: base.Add(2 * time.Second)},
		{SessionID: "s2", Kind: history.KindReply, Text: "other", Timestamp: base},
	}
	for _, e := range entries {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Text != "Bonjour Ada" || got[1].Text != "Encore?" {
		t.Fatalf("Recent(2) = %+v", got)
	}
	if got[0].Kind != history.KindReply || got[0].OriginalText != "bonjour" {
		t.Errorf("entry = %+v", got[0])
	}

	all, err := store.Recent(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Recent(0): %v", err)
	}
	if len(all) != 3 || all[0].Duration != 1500*time.Millisecond || all[0].Phase != "opening" {
		t.Errorf("Recent(0) = %+v", all)
	}

	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
