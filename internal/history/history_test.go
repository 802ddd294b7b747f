package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/opentalon/conductor/internal/engine"
	"github.com/opentalon/conductor/internal/invoke"
)

// exercise runs the behaviour every backend shares. store must cap at 3.
func exercise(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if err := store.Append(ctx, Turn{Query: "no conversation"}); err == nil {
		t.Error("expected error for missing conversation id")
	}

	for _, q := range []string{"one", "two", "three", "four"} {
		err := store.Append(ctx, Turn{
			ConversationID: "c1",
			UserID:         "u1",
			Query:          q,
			Answer:         "answer " + q,
			UsedWorkers:    []engine.UsedWorker{{Name: "summarizer", Intent: "summary.create", Status: invoke.StatusSuccess}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Append(ctx, Turn{ConversationID: "c2", Query: "other"}); err != nil {
		t.Fatal(err)
	}

	all, err := store.Recent(ctx, "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Query != "two" || all[2].Query != "four" {
		t.Fatalf("turns = %+v", all)
	}
	if all[2].Answer != "answer four" || all[2].UserID != "u1" {
		t.Errorf("turn = %+v", all[2])
	}
	if len(all[2].UsedWorkers) != 1 || all[2].UsedWorkers[0].Status != invoke.StatusSuccess {
		t.Errorf("used workers = %+v", all[2].UsedWorkers)
	}
	if all[2].CreatedAt.IsZero() || time.Since(all[2].CreatedAt) > time.Minute {
		t.Errorf("created_at = %v", all[2].CreatedAt)
	}

	last, err := store.Recent(ctx, "c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[0].Query != "three" || last[1].Query != "four" {
		t.Errorf("recent(2) = %+v", last)
	}

	none, err := store.Recent(ctx, "missing", 5)
	if err != nil || len(none) != 0 {
		t.Errorf("missing conversation = %+v, %v", none, err)
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemoryStore(3))
}

func TestSQLiteStore(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(context.Background(), dir, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exercise(t, s)

	v, err := s.SchemaVersion(context.Background())
	if err != nil || v != 1 {
		t.Errorf("schema version = %d, %v", v, err)
	}

	// Reopening is idempotent and keeps data.
	s2, err := OpenSQLite(context.Background(), dir, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	turns, err := s2.Recent(context.Background(), "c2", 0)
	if err != nil || len(turns) != 1 {
		t.Errorf("after reopen = %+v, %v", turns, err)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CONDUCTOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(context.Background(), dsn, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.db.Exec("DELETE FROM turns"); err != nil {
		t.Fatal(err)
	}
	exercise(t, s)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, 3, time.Hour)
	defer s.Close()
	exercise(t, s)

	if ttl := mr.TTL(redisKeyPrefix + "c1"); ttl != time.Hour {
		t.Errorf("ttl = %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	turns, err := s.Recent(context.Background(), "c1", 0)
	if err != nil || len(turns) != 0 {
		t.Errorf("after expiry = %+v, %v", turns, err)
	}
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	for _, opts := range []Options{
		{},
		{Backend: BackendSQLite, DataDir: t.TempDir()},
		{Backend: BackendRedis, RedisAddr: mr.Addr()},
	} {
		s, err := Open(ctx, opts)
		if err != nil {
			t.Fatalf("%+v: %v", opts, err)
		}
		_ = s.Close()
	}
	for _, opts := range []Options{
		{Backend: "etcd"},
		{Backend: BackendSQLite},
		{Backend: BackendPostgres},
		{Backend: BackendRedis},
	} {
		if _, err := Open(ctx, opts); err == nil {
			t.Errorf("%+v: expected error", opts)
		}
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c = ? LIMIT ?"
	if got := dialectSQLite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	if got := dialectPostgres.rebind(q); got != "SELECT a FROM t WHERE b = $1 AND c = $2 LIMIT $3" {
		t.Errorf("postgres rebind = %q", got)
	}
}
