package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore is the Redis-backed Code/Session Store: one hash per value,
// with an EXPIRE set alongside it (grounded on dex's
// storage/redis/redis.go key-prefix scheme, generalized from the go-redis
// v8 client used there to v9).
type redisStore struct {
	client redis.UniversalClient
}

const keyPrefix = "uitsmijter/session/"

func redisKey(kind Kind, value string) string {
	return keyPrefix + string(kind) + "/" + value
}

// NewRedis returns a Store backed by client.
func NewRedis(client redis.UniversalClient) Store {
	return &redisStore{client: client}
}

func (r *redisStore) Push(ctx context.Context, kind Kind, value string, s Session, ttl time.Duration) error {
	key := redisKey(kind, value)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("session: redis exists: %w", err)
	}
	if exists > 0 {
		return ErrCodeTaken
	}
	s.Kind = kind
	s.ExpiresAt = time.Now().Add(ttl)
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	// SetNX closes the create-race window Exists+Set would otherwise
	// leave open between two concurrent pushes of the same value.
	ok, err := r.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("session: redis setnx: %w", err)
	}
	if !ok {
		return ErrCodeTaken
	}
	return nil
}

func (r *redisStore) Get(ctx context.Context, kind Kind, value string, consume bool) (Session, bool, error) {
	key := redisKey(kind, value)

	var data string
	var err error
	if consume {
		// GETDEL is atomic: a concurrent Get(consume=true) for the same
		// value can observe at most one success.
		data, err = r.client.GetDel(ctx, key).Result()
	} else {
		data, err = r.client.Get(ctx, key).Result()
	}
	if err == redis.Nil {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("session: redis get: %w", err)
	}

	var s Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Session{}, false, fmt.Errorf("session: unmarshal: %w", err)
	}
	return s, true, nil
}

func (r *redisStore) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}

func (r *redisStore) Count(ctx context.Context, kind Kind) (int64, error) {
	var count int64
	var cursor uint64
	pattern := keyPrefix + string(kind) + "/*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return 0, fmt.Errorf("session: redis scan: %w", err)
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
