package affinity

import (
	"context"
	"time"

	ca "github.com/patrickmn/go-cache"

	"imgateway/internal/im"
)

// Memory is a process-local store backed by go-cache.
type Memory struct {
	c *ca.Cache
}

func NewMemory() *Memory {
	return &Memory{c: ca.New(DefaultTTL, 10*time.Minute)}
}

func (m *Memory) Set(_ context.Context, userID string, p im.Provider, ttl time.Duration) error {
	if userID == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.c.Set(Key(userID), string(p), ttl)
	return nil
}

func (m *Memory) Get(_ context.Context, userID string) (im.Provider, bool, error) {
	v, ok := m.c.Get(Key(userID))
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	p, ok := parseStored(s)
	return p, ok, nil
}

// Close is a no-op; the janitor goroutine is released with the cache.
func (m *Memory) Close() error { return nil }
