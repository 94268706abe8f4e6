package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/alicebothq/alicebot/queue"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = dbx.Close() })
	if err := Migrate(context.Background(), dbx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return dbx
}

func TestMigrateIdempotent(t *testing.T) {
	dbx := testDB(t)
	// Second run must be a no-op, not an error.
	if err := Migrate(context.Background(), dbx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOAuthTokenRoundTrip(t *testing.T) {
	dbx := testDB(t)
	ctx := context.Background()
	provider := "youtube-test"
	t.Cleanup(func() {
		_, _ = dbx.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider=$1`, provider)
	})

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := UpsertOAuthToken(ctx, dbx, provider, "access-1", "refresh-1", expiry, `{"scope":"yt"}`); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	access, refresh, gotExpiry, raw, err := GetOAuthToken(ctx, dbx, provider)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if access != "access-1" || refresh != "refresh-1" || raw != `{"scope":"yt"}` {
		t.Errorf("got (%q, %q, %q)", access, refresh, raw)
	}
	if !gotExpiry.Equal(expiry) {
		t.Errorf("expiry = %v, want %v", gotExpiry, expiry)
	}

	// Upsert replaces in place.
	if err := UpsertOAuthToken(ctx, dbx, provider, "access-2", "refresh-2", expiry, ""); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	access, refresh, _, _, err = GetOAuthToken(ctx, dbx, provider)
	if err != nil || access != "access-2" || refresh != "refresh-2" {
		t.Errorf("after upsert: (%q, %q, %v)", access, refresh, err)
	}
}

func TestGetOAuthTokenMissing(t *testing.T) {
	dbx := testDB(t)
	access, refresh, expiry, _, err := GetOAuthToken(context.Background(), dbx, "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if access != "" || refresh != "" || !expiry.IsZero() {
		t.Errorf("missing provider must return zero values, got (%q, %q, %v)", access, refresh, expiry)
	}
}

func TestKV(t *testing.T) {
	dbx := testDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _, _ = dbx.ExecContext(ctx, `DELETE FROM kv WHERE key='test_key'`) })

	if v, err := GetKV(ctx, dbx, "test_key"); err != nil || v != "" {
		t.Fatalf("absent key = (%q, %v)", v, err)
	}
	if err := SetKV(ctx, dbx, "test_key", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := SetKV(ctx, dbx, "test_key", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, err := GetKV(ctx, dbx, "test_key"); err != nil || v != "v2" {
		t.Errorf("get = (%q, %v), want v2", v, err)
	}
}

func TestReplaceAndLoadQueue(t *testing.T) {
	dbx := testDB(t)
	ctx := context.Background()
	store := &SessionStore{DB: dbx}
	t.Cleanup(func() { _, _ = dbx.ExecContext(ctx, `DELETE FROM queue_entries`) })

	now := time.Now().UTC().Truncate(time.Second)
	waiting := []queue.Entry{
		{Handle: "Ana", Nickname: "AnaGamer", JoinedAt: now, LastActivityAt: now, WarningIssued: true},
		{Handle: "Bruno", JoinedAt: now.Add(time.Minute), LastActivityAt: now.Add(time.Minute)},
	}
	playing := []queue.Entry{
		{Handle: "Carla", Nickname: "carlinha", JoinedAt: now.Add(-time.Hour), StartedAt: now},
	}

	if err := store.ReplaceQueue(ctx, waiting, playing); err != nil {
		t.Fatalf("replace: %v", err)
	}
	gotW, gotP, err := store.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(gotW) != 2 || gotW[0].Handle != "Ana" || gotW[1].Handle != "Bruno" {
		t.Fatalf("waiting = %+v, want Ana then Bruno", gotW)
	}
	if !gotW[0].WarningIssued || gotW[0].Nickname != "AnaGamer" {
		t.Errorf("waiting[0] = %+v", gotW[0])
	}
	if len(gotP) != 1 || gotP[0].Handle != "Carla" || !gotP[0].StartedAt.Equal(now) {
		t.Fatalf("playing = %+v", gotP)
	}

	// A second replace fully supersedes the first.
	if err := store.ReplaceQueue(ctx, waiting[1:], nil); err != nil {
		t.Fatalf("replace again: %v", err)
	}
	gotW, gotP, err = store.LoadQueue(ctx)
	if err != nil || len(gotW) != 1 || len(gotP) != 0 || gotW[0].Handle != "Bruno" {
		t.Errorf("after replace: waiting=%+v playing=%+v err=%v", gotW, gotP, err)
	}
}

func TestRecordChatMessageDeduplicates(t *testing.T) {
	dbx := testDB(t)
	ctx := context.Background()
	store := &SessionStore{DB: dbx}
	t.Cleanup(func() { _, _ = dbx.ExecContext(ctx, `DELETE FROM chat_messages WHERE message_id='msg-dup'`) })

	at := time.Now().UTC()
	if err := store.RecordChatMessage(ctx, "msg-dup", "Ana", "!jogar ana", at); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordChatMessage(ctx, "msg-dup", "Ana", "!jogar ana", at); err != nil {
		t.Fatalf("duplicate record must not error: %v", err)
	}
	var n int
	if err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE message_id='msg-dup'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("transcript rows = %d, want 1", n)
	}
}

func TestHeartbeat(t *testing.T) {
	dbx := testDB(t)
	ctx := context.Background()
	store := &SessionStore{DB: dbx}
	t.Cleanup(func() { _, _ = dbx.ExecContext(ctx, `DELETE FROM kv WHERE key='test_sweep'`) })

	at := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	if err := store.Heartbeat(ctx, "test_sweep", at); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	v, err := GetKV(ctx, dbx, "test_sweep")
	if err != nil {
		t.Fatal(err)
	}
	if _, perr := time.Parse(time.RFC3339, v); perr != nil {
		t.Errorf("heartbeat value %q is not RFC3339: %v", v, perr)
	}
}
