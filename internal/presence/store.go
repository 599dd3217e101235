package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

const disabledKey = "callern:presence:disabled"

// RedisStore keeps administrative overrides in a Redis hash so they survive
// restarts and are shared across signaling processes.
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, key: disabledKey}
}

func (s *RedisStore) SetDisabled(ctx context.Context, teacherID string, disabled bool) error {
	if disabled {
		return s.rdb.HSet(ctx, s.key, teacherID, "1").Err()
	}
	return s.rdb.HDel(ctx, s.key, teacherID).Err()
}

func (s *RedisStore) ListDisabled(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryStore is an in-process OverrideStore for tests and local runs.
type MemoryStore struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{ids: map[string]struct{}{}} }

func (s *MemoryStore) SetDisabled(ctx context.Context, teacherID string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if disabled {
		s.ids[teacherID] = struct{}{}
	} else {
		delete(s.ids, teacherID)
	}
	return nil
}

func (s *MemoryStore) ListDisabled(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
