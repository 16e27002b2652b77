package outage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"nomad-proxy-go/internal/config"
)

// RedisStore is a Store shared between proxy replicas through redis. Entries
// expire with the redis key TTL.
type RedisStore struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// NewRedisStore creates a RedisStore from the outage settings.
func NewRedisStore(cfg *config.Config) *RedisStore {
	return &RedisStore{
		Client: redis.NewClient(&redis.Options{
			Addr: cfg.Outage.RedisAddr,
			DB:   cfg.Outage.RedisDB,
		}),
		Prefix: cfg.Outage.KeyPrefix,
		TTL:    cfg.Outage.TTL(),
	}
}

func (s *RedisStore) redisKey(client, target string) string {
	return s.Prefix + key(client, target)
}

// Record implements Store.
func (s *RedisStore) Record(ctx context.Context, client, target string) error {
	if err := s.Client.Set(ctx, s.redisKey(client, target), time.Now().Unix(), s.TTL).Err(); err != nil {
		return fmt.Errorf("outage: record: %w", err)
	}
	return nil
}

// Failed implements Store.
func (s *RedisStore) Failed(ctx context.Context, client, target string) (bool, error) {
	n, err := s.Client.Exists(ctx, s.redisKey(client, target)).Result()
	if err != nil {
		return false, fmt.Errorf("outage: lookup: %w", err)
	}
	return n > 0, nil
}

// Forget implements Store.
func (s *RedisStore) Forget(ctx context.Context, client, target string) error {
	if err := s.Client.Del(ctx, s.redisKey(client, target)).Err(); err != nil {
		return fmt.Errorf("outage: forget: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.Client.Close()
}
