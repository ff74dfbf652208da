package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is the in-process backend. Entries are scoped to one relay
// process, which is acceptable for the negative-lookup cache: the worst
// case is one extra webhook round trip per process.
type Memory struct {
	entries *gocache.Cache
}

// NewMemory builds an in-process cache that janitors expired entries once
// a minute.
func NewMemory() *Memory {
	return &Memory{entries: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	value, found := m.entries.Get(key)
	if !found {
		return "", false, nil
	}
	text, ok := value.(string)
	if !ok {
		return "", false, nil
	}
	return text, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.entries.Set(key, value, ttl)
	return nil
}
