package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "conductor:history:"

// RedisStore keeps each conversation as a JSON list, trimmed to maxTurns
// and expired after ttl of inactivity when ttl is positive.
type RedisStore struct {
	client   *redis.Client
	maxTurns int
	ttl      time.Duration
}

func OpenRedis(ctx context.Context, addr string, maxTurns int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("history: redis_addr is required for redis")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("history: redis ping: %w", err)
	}
	return NewRedisStore(client, maxTurns, ttl), nil
}

func NewRedisStore(client *redis.Client, maxTurns int, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, maxTurns: maxTurns, ttl: ttl}
}

func (r *RedisStore) Append(ctx context.Context, t Turn) error {
	if err := validate(t); err != nil {
		return err
	}
	data, err := json.Marshal(stamp(t))
	if err != nil {
		return fmt.Errorf("history: marshal turn: %w", err)
	}
	key := redisKeyPrefix + t.ConversationID
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if r.maxTurns > 0 {
			pipe.LTrim(ctx, key, int64(-r.maxTurns), -1)
		}
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: redis append: %w", err)
	}
	return nil
}

func (r *RedisStore) Recent(ctx context.Context, conversationID string, n int) ([]Turn, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raw, err := r.client.LRange(ctx, redisKeyPrefix+conversationID, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: redis range: %w", err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("history: decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
