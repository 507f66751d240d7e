package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"medipos/backend/internal/domain"
)

type RedisReportCache struct {
	client *redis.Client
}

func NewRedisReportCache(addr string, password string, db int) *RedisReportCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisReportCache{client: client}
}

func (c *RedisReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReportCache) Close() error {
	return c.client.Close()
}

func (c *RedisReportCache) GetPopularity(ctx context.Context, key string) (*domain.PopularityReport, bool, error) {
	var report domain.PopularityReport
	found, err := c.get(ctx, "popularity:"+key, &report)
	if !found || err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisReportCache) SetPopularity(ctx context.Context, key string, value *domain.PopularityReport, ttl time.Duration) error {
	return c.set(ctx, "popularity:"+key, value, ttl)
}

func (c *RedisReportCache) GetAlerts(ctx context.Context, key string) (*domain.AlertReport, bool, error) {
	var report domain.AlertReport
	found, err := c.get(ctx, "alerts:"+key, &report)
	if !found || err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisReportCache) SetAlerts(ctx context.Context, key string, value *domain.AlertReport, ttl time.Duration) error {
	return c.set(ctx, "alerts:"+key, value, ttl)
}

func (c *RedisReportCache) get(ctx context.Context, key string, out any) (bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisReportCache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
