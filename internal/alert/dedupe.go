package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultDedupeTTL = 24 * time.Hour
	dedupeKeyPrefix  = "notifysync:alerted:"
)

// Deduper decides which caller gets to alert a notification id.
type Deduper interface {
	// Claim reports true for the first claim of id within the retention window.
	Claim(ctx context.Context, id string) (bool, error)
}

// MemoryDeduper remembers claimed ids in process memory.
type MemoryDeduper struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	claimed map[string]time.Time
}

// NewMemoryDeduper keeps ids for ttl; zero means 24 hours.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &MemoryDeduper{
		ttl:     ttl,
		now:     time.Now,
		claimed: make(map[string]time.Time),
	}
}

func (d *MemoryDeduper) Claim(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, expires := range d.claimed {
		if !now.Before(expires) {
			delete(d.claimed, key)
		}
	}

	if _, ok := d.claimed[id]; ok {
		return false, nil
	}
	d.claimed[id] = now.Add(d.ttl)
	return true, nil
}

// RedisDeduper shares claims between every watcher of the same user through Redis.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisDeduper(client redis.Cmdable, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupeKey(id), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim alert %s: %w", id, err)
	}
	return ok, nil
}

func dedupeKey(id string) string {
	return dedupeKeyPrefix + id
}
