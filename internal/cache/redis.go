package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/fooddelivery/services/orders/config"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Deduper remembers which events a consumer has finished handling. Keys are
// only recorded after success, so an interrupted handler runs again on
// redelivery.
type Deduper interface {
	// Processed reports whether key was recorded and has not expired.
	Processed(ctx context.Context, key string) (bool, error)
	// MarkProcessed records key for the configured TTL.
	MarkProcessed(ctx context.Context, key string) error
	Close() error
}

// RedisDeduper keeps processed event IDs in Redis with a TTL.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduper returns a Redis-backed deduper when Redis is enabled and an
// in-process one otherwise.
func NewDeduper(cfg config.RedisConfig) (Deduper, error) {
	if !cfg.Enabled {
		return NewMemoryDeduper(cfg.DedupTTL), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisDeduper{client: client, ttl: cfg.DedupTTL}, nil
}

func (d *RedisDeduper) Processed(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check processed event in Redis")
	}
	return n > 0, nil
}

func (d *RedisDeduper) MarkProcessed(ctx context.Context, key string) error {
	if err := d.client.Set(ctx, key, time.Now().Unix(), d.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to record processed event in Redis")
	}
	return nil
}

func (d *RedisDeduper) Close() error {
	return d.client.Close()
}

// ProcessedKey scopes an event ID to the consuming queue.
func ProcessedKey(queue, eventID string) string {
	return fmt.Sprintf("processed:%s:%s", queue, eventID)
}

// MemoryDeduper is a single-process Deduper.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) Processed(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	expires, ok := d.seen[key]
	return ok && (d.ttl <= 0 || d.now().Before(expires)), nil
}

func (d *MemoryDeduper) MarkProcessed(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.seen[key] = now.Add(d.ttl)

	// Sweep expired keys once the map grows.
	if d.ttl > 0 && len(d.seen) > 10000 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	return nil
}

func (d *MemoryDeduper) Close() error { return nil }
