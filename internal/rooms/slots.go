package rooms

import (
	"context"
	"sync"
	"time"

	"callern/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// SlotStore enforces one active room per teacher, across processes when
// backed by Redis. The room id is the owner token.
type SlotStore interface {
	Acquire(ctx context.Context, teacherID, roomID string) (bool, error)
	Release(ctx context.Context, teacherID, roomID string) error
}

const slotKeyPrefix = "callern:teacher-slot:"

// RedisSlots keeps slots as owner-tagged keys with a TTL. Acquire by the
// current owner refreshes the TTL, so ticks keep the slot alive.
type RedisSlots struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSlots(rdb *redis.Client, ttl time.Duration) *RedisSlots {
	return &RedisSlots{rdb: rdb, ttl: ttl}
}

func (s *RedisSlots) Acquire(ctx context.Context, teacherID, roomID string) (bool, error) {
	return utils.AcquireSlot(ctx, s.rdb, slotKeyPrefix+teacherID, roomID, s.ttl)
}

func (s *RedisSlots) Release(ctx context.Context, teacherID, roomID string) error {
	return utils.ReleaseSlot(ctx, s.rdb, slotKeyPrefix+teacherID, roomID)
}

// MemorySlots is the single-process SlotStore.
type MemorySlots struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemorySlots() *MemorySlots {
	return &MemorySlots{owners: make(map[string]string)}
}

func (s *MemorySlots) Acquire(_ context.Context, teacherID, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.owners[teacherID]; ok && owner != roomID {
		return false, nil
	}
	s.owners[teacherID] = roomID
	return true, nil
}

func (s *MemorySlots) Release(_ context.Context, teacherID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owners[teacherID] == roomID {
		delete(s.owners, teacherID)
	}
	return nil
}

// Owner returns the room holding teacherID's slot.
func (s *MemorySlots) Owner(teacherID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners[teacherID]
}
