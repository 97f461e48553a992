package settings

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type cached[T any] struct {
	val     T
	expires time.Time
}

// CachedStore fronts another Store with a read-through TTL cache. Updates go
// straight to the backing store and refresh the cached copy of that guild.
// A zero TTL disables caching.
type CachedStore struct {
	next  Store
	ttl   time.Duration
	clock clockwork.Clock

	mu     sync.Mutex
	guilds map[string]cached[GuildSettings]
	all    *cached[[]GuildSettings]
}

func NewCachedStore(next Store, ttl time.Duration, clock clockwork.Clock) *CachedStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CachedStore{next: next, ttl: ttl, clock: clock, guilds: make(map[string]cached[GuildSettings])}
}

func (c *CachedStore) Get(ctx context.Context, guildID string) (GuildSettings, error) {
	now := c.clock.Now()
	c.mu.Lock()
	if e, ok := c.guilds[guildID]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.val.Clone(), nil
	}
	c.mu.Unlock()

	g, err := c.next.Get(ctx, guildID)
	if err != nil {
		return GuildSettings{}, err
	}
	if c.ttl > 0 {
		c.mu.Lock()
		c.guilds[guildID] = cached[GuildSettings]{val: g.Clone(), expires: now.Add(c.ttl)}
		c.mu.Unlock()
	}
	return g, nil
}

func (c *CachedStore) All(ctx context.Context) ([]GuildSettings, error) {
	now := c.clock.Now()
	c.mu.Lock()
	if c.all != nil && now.Before(c.all.expires) {
		out := cloneAll(c.all.val)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	all, err := c.next.All(ctx)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.mu.Lock()
		c.all = &cached[[]GuildSettings]{val: cloneAll(all), expires: now.Add(c.ttl)}
		c.mu.Unlock()
	}
	return all, nil
}

func (c *CachedStore) Update(ctx context.Context, guildID string, fn func(*GuildSettings) error) (GuildSettings, error) {
	g, err := c.next.Update(ctx, guildID, fn)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = nil
	if err != nil {
		delete(c.guilds, guildID)
		return g, err
	}
	if c.ttl > 0 {
		c.guilds[guildID] = cached[GuildSettings]{val: g.Clone(), expires: c.clock.Now().Add(c.ttl)}
	}
	return g, nil
}

func cloneAll(in []GuildSettings) []GuildSettings {
	out := make([]GuildSettings, len(in))
	for i, g := range in {
		out[i] = g.Clone()
	}
	return out
}
