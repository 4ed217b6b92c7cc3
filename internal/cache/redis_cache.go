package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"estoque/internal/domain"
)

type RedisSalesCache struct {
	client *redis.Client
	prefix string
}

func NewRedisSalesCache(addr string, password string, db int) *RedisSalesCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSalesCache{client: client, prefix: "estoque:"}
}

func (c *RedisSalesCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSalesCache) Close() error {
	return c.client.Close()
}

func (c *RedisSalesCache) Get(ctx context.Context, key string) ([]domain.Sale, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var sales []domain.Sale
	if err := json.Unmarshal(val, &sales); err != nil {
		return nil, false, err
	}
	return sales, true, nil
}

func (c *RedisSalesCache) Set(ctx context.Context, key string, value []domain.Sale, ttl time.Duration) error {
	if value == nil {
		value = []domain.Sale{}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, payload, ttl).Err()
}

func (c *RedisSalesCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
