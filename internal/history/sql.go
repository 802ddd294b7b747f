package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// rebind rewrites ? placeholders as $1, $2, ... for postgres. Queries in
// this package never contain a literal question mark.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore keeps turns in SQLite or Postgres.
type SQLStore struct {
	db       *sql.DB
	dialect  dialect
	maxTurns int
}

// OpenSQLite opens dataDir/history.db, creating dataDir if needed, enables
// WAL mode and runs pending migrations.
func OpenSQLite(ctx context.Context, dataDir string, maxTurns int) (*SQLStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("history: data_dir is required for sqlite")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: WAL: %w", err)
	}
	return newSQLStore(ctx, db, dialectSQLite, maxTurns)
}

// OpenPostgres connects with a lib/pq DSN and runs pending migrations.
func OpenPostgres(ctx context.Context, dsn string, maxTurns int) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("history: dsn is required for postgres")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return newSQLStore(ctx, db, dialectPostgres, maxTurns)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, maxTurns int) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, maxTurns: maxTurns}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// SchemaVersion reports the highest applied migration.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err == sql.ErrNoRows || (err == nil && !v.Valid) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("migrations: read version: %w", err)
	}
	return int(v.Int64), nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL PRIMARY KEY)"); err != nil {
		return fmt.Errorf("migrations: create schema_version: %w", err)
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	dir := "migrations/" + string(s.dialect)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		n, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		if err != nil || n <= current {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, dir+"/"+name)
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if err := s.apply(ctx, name, n, string(body)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) apply(ctx context.Context, name string, version int, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %s: begin: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("migration %s: clear version: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind("INSERT INTO schema_version (version) VALUES (?)"), version); err != nil {
		return fmt.Errorf("migration %s: set version: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %s: commit: %w", name, err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, t Turn) error {
	if err := validate(t); err != nil {
		return err
	}
	t = stamp(t)
	used, err := json.Marshal(t.UsedWorkers)
	if err != nil {
		return fmt.Errorf("history: marshal used workers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO turns (conversation_id, user_id, query, answer, used_workers, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		t.ConversationID, t.UserID, t.Query, t.Answer, string(used), t.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	if s.maxTurns > 0 {
		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			`DELETE FROM turns WHERE conversation_id = ? AND id NOT IN (
				SELECT id FROM turns WHERE conversation_id = ? ORDER BY id DESC LIMIT ?)`),
			t.ConversationID, t.ConversationID, s.maxTurns)
		if err != nil {
			return fmt.Errorf("history: prune: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Recent(ctx context.Context, conversationID string, n int) ([]Turn, error) {
	query := `SELECT conversation_id, user_id, query, answer, used_workers, created_at FROM turns WHERE conversation_id = ? ORDER BY id DESC`
	args := []any{conversationID}
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var used, created string
		if err := rows.Scan(&t.ConversationID, &t.UserID, &t.Query, &t.Answer, &used, &created); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(used), &t.UsedWorkers); err != nil {
			return nil, fmt.Errorf("history: decode used workers: %w", err)
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("history: decode timestamp: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	// Newest first from the query; callers get oldest first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
