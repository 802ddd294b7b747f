// Package history keeps the recent query/answer turns of each conversation.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opentalon/conductor/internal/engine"
)

// Turn is one answered query.
type Turn struct {
	ConversationID string              `json:"conversation_id"`
	UserID         string              `json:"user_id,omitempty"`
	Query          string              `json:"query"`
	Answer         string              `json:"answer"`
	UsedWorkers    []engine.UsedWorker `json:"used_workers,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Store persists turns per conversation. Recent returns at most n turns,
// oldest first; n <= 0 returns everything kept.
type Store interface {
	Append(ctx context.Context, t Turn) error
	Recent(ctx context.Context, conversationID string, n int) ([]Turn, error)
	Close() error
}

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Options mirrors config.HistoryConfig to avoid an import cycle. MaxTurns
// caps the turns kept per conversation; 0 keeps all of them.
type Options struct {
	Backend   string
	DataDir   string
	DSN       string
	RedisAddr string
	MaxTurns  int
	TTL       time.Duration
}

func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryStore(opts.MaxTurns), nil
	case BackendSQLite:
		return OpenSQLite(ctx, opts.DataDir, opts.MaxTurns)
	case BackendPostgres:
		return OpenPostgres(ctx, opts.DSN, opts.MaxTurns)
	case BackendRedis:
		return OpenRedis(ctx, opts.RedisAddr, opts.MaxTurns, opts.TTL)
	}
	return nil, fmt.Errorf("history: unknown backend %q", opts.Backend)
}

func validate(t Turn) error {
	if t.ConversationID == "" {
		return fmt.Errorf("history: conversation id is required")
	}
	return nil
}

func stamp(t Turn) Turn {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t
}
