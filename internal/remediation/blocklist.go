package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blocklist records addresses that must be dropped at the perimeter
type Blocklist interface {
	Block(ctx context.Context, ip, reason string, ttl time.Duration) error
	Unblock(ctx context.Context, ip string) error
	Blocked(ctx context.Context, ip string) (bool, error)
}

const blocklistKeyPrefix = "secops:blocklist:"

// RedisBlocklist stores each blocked address as a key expiring after its TTL
type RedisBlocklist struct {
	client *redis.Client
}

// NewRedisBlocklist connects to Redis and verifies the connection
func NewRedisBlocklist(ctx context.Context, url, password string, db int) (*RedisBlocklist, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBlocklist{client: client}, nil
}

// Block adds ip until ttl elapses. A zero ttl blocks indefinitely.
func (b *RedisBlocklist) Block(ctx context.Context, ip, reason string, ttl time.Duration) error {
	if err := b.client.Set(ctx, blocklistKeyPrefix+ip, reason, ttl).Err(); err != nil {
		return fmt.Errorf("failed to block %s: %w", ip, err)
	}
	return nil
}

func (b *RedisBlocklist) Unblock(ctx context.Context, ip string) error {
	if err := b.client.Del(ctx, blocklistKeyPrefix+ip).Err(); err != nil {
		return fmt.Errorf("failed to unblock %s: %w", ip, err)
	}
	return nil
}

func (b *RedisBlocklist) Blocked(ctx context.Context, ip string) (bool, error) {
	_, err := b.client.Get(ctx, blocklistKeyPrefix+ip).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the Redis connection
func (b *RedisBlocklist) Close() error {
	return b.client.Close()
}

// MemoryBlocklist is the in-process fallback used when Redis is disabled
type MemoryBlocklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryBlocklist() *MemoryBlocklist {
	return &MemoryBlocklist{entries: make(map[string]time.Time), now: time.Now}
}

func (b *MemoryBlocklist) Block(ctx context.Context, ip, reason string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = b.now().Add(ttl)
	}
	b.entries[ip] = expires
	return nil
}

func (b *MemoryBlocklist) Unblock(ctx context.Context, ip string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, ip)
	return nil
}

func (b *MemoryBlocklist) Blocked(ctx context.Context, ip string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	expires, ok := b.entries[ip]
	if !ok {
		return false, nil
	}
	if !expires.IsZero() && !b.now().Before(expires) {
		delete(b.entries, ip)
		return false, nil
	}
	return true, nil
}
