package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	keyWebhookDedup = "dedup:webhook:%s"

	DefaultDedupTTL = 48 * time.Hour
)

type RedisEventDedup struct {
	client *redis.Client
}

func NewRedisEventDedup(addr string, password string, db int) *RedisEventDedup {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	return &RedisEventDedup{client: client}
}

func (c *RedisEventDedup) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisEventDedup) Close() error {
	return c.client.Close()
}

func (c *RedisEventDedup) Get(ctx context.Context, eventKey string) (string, bool, error) {
	val, err := c.client.Get(ctx, fmt.Sprintf(keyWebhookDedup, eventKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisEventDedup) Set(ctx context.Context, eventKey string, transactionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return c.client.Set(ctx, fmt.Sprintf(keyWebhookDedup, eventKey), transactionID, ttl).Err()
}
