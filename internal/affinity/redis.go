package affinity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"imgateway/internal/im"
)

// Redis shares affinity across gateway processes.
type Redis struct {
	rdb *redis.Client
}

// OpenRedis parses url (redis://...) and pings the server.
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func NewRedis(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

func (r *Redis) Set(ctx context.Context, userID string, p im.Provider, ttl time.Duration) error {
	if userID == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return r.rdb.Set(ctx, Key(userID), string(p), ttl).Err()
}

func (r *Redis) Get(ctx context.Context, userID string) (im.Provider, bool, error) {
	v, err := r.rdb.Get(ctx, Key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	p, ok := parseStored(v)
	return p, ok, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
