package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBackend keeps each collection in a Redis hash named after the collection key,
// one field per entry id
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend parses url, pings the server within timeout and returns RedisBackend
func NewRedisBackend(ctx context.Context, url string, timeout time.Duration) (*RedisBackend, error) {
	if url == "" {
		return nil, errors.New("redis: REDIS_URL is not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisBackend{client: c}, nil
}

func (b *RedisBackend) Load(ctx context.Context, collection, id string) ([]byte, error) {
	doc, err := b.client.HGet(ctx, collection, id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *RedisBackend) Store(ctx context.Context, collection, id string, doc []byte) error {
	return b.client.HSet(ctx, collection, id, doc).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, collection, id string) error {
	return b.client.HDel(ctx, collection, id).Err()
}

func (b *RedisBackend) Dump(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	entries, err := b.client.HGetAll(ctx, collection).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage, len(entries))
	for id, doc := range entries {
		out[id] = json.RawMessage(doc)
	}
	return out, nil
}

func (b *RedisBackend) Close() {
	_ = b.client.Close()
}
