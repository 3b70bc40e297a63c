package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStockCache shares observed stock levels between devices at the same
// location.
type RedisStockCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisStockCache(client *redis.Client) *RedisStockCache {
	return &RedisStockCache{client: client}
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Close() error {
	return c.client.Close()
}

func (c *RedisStockCache) Get(ctx context.Context, locationID string, sku string) (*StockLevel, bool, error) {
	val, err := c.client.Get(ctx, stockKey(locationID, sku)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var level StockLevel
	if err := json.Unmarshal([]byte(val), &level); err != nil {
		return nil, false, err
	}
	return &level, true, nil
}

func (c *RedisStockCache) Set(ctx context.Context, locationID string, level StockLevel, ttl time.Duration) error {
	payload, err := json.Marshal(level)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, stockKey(locationID, level.SKU), payload, ttl).Err()
}
