package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"ticketledger/backend/internal/domain"
)

const settingsKey = "ledger:settings:" + domain.SettingsID

type RedisSettingsCache struct {
	client *redis.Client
}

func NewRedisSettingsCache(client *redis.Client) *RedisSettingsCache {
	return &RedisSettingsCache{client: client}
}

// NewRedisClient builds the shared client used by the settings cache and the
// distributed locker.
func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (c *RedisSettingsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSettingsCache) Get(ctx context.Context) (*domain.Settings, bool, error) {
	val, err := c.client.Get(ctx, settingsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var settings domain.Settings
	if err := json.Unmarshal(val, &settings); err != nil {
		return nil, false, err
	}
	return &settings, true, nil
}

func (c *RedisSettingsCache) Set(ctx context.Context, value *domain.Settings, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, settingsKey, payload, ttl).Err()
}

func (c *RedisSettingsCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, settingsKey).Err()
}
