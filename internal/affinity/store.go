// Package affinity caches the provider each user was last seen on.
// Entries are advisory routing hints: last write wins and every read error
// degrades to "no affinity".
package affinity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"imgateway/internal/im"
)

const (
	DefaultTTL = 30 * 24 * time.Hour
	KeyPrefix  = "user_im_channel:"
)

// Store is the shared user -> provider map.
type Store interface {
	Set(ctx context.Context, userID string, p im.Provider, ttl time.Duration) error
	Get(ctx context.Context, userID string) (im.Provider, bool, error)
	Close() error
}

func Key(userID string) string { return KeyPrefix + userID }

// Config selects a backend.
type Config struct {
	Driver   string // memory | redis
	RedisURL string
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return OpenRedis(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown affinity driver %q", cfg.Driver)
	}
}

func parseStored(v string) (im.Provider, bool) {
	p, err := im.ParseProvider(v)
	if err != nil {
		return "", false
	}
	return p, true
}
