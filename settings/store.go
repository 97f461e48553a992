package settings

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Store persists guild settings. Get creates defaults for unknown guilds.
// Update applies fn to the current document atomically and stores the result;
// when fn returns an error nothing is written.
type Store interface {
	Get(ctx context.Context, guildID string) (GuildSettings, error)
	All(ctx context.Context) ([]GuildSettings, error)
	Update(ctx context.Context, guildID string, fn func(*GuildSettings) error) (GuildSettings, error)
}

// MemoryStore keeps settings in process memory. Used when no database is configured and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	guilds map[string]GuildSettings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{guilds: make(map[string]GuildSettings)}
}

func (m *MemoryStore) Get(_ context.Context, guildID string) (GuildSettings, error) {
	m.mu.RLock()
	g, ok := m.guilds[guildID]
	m.mu.RUnlock()
	if ok {
		return g.Clone(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.guilds[guildID]; ok {
		return g.Clone(), nil
	}
	g = Defaults(guildID)
	m.guilds[guildID] = g
	return g.Clone(), nil
}

func (m *MemoryStore) All(_ context.Context) ([]GuildSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]GuildSettings, 0, len(m.guilds))
	for _, g := range m.guilds {
		out = append(out, g.Clone())
	}
	slices.SortFunc(out, func(a, b GuildSettings) int {
		switch {
		case a.GuildID < b.GuildID:
			return -1
		case a.GuildID > b.GuildID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, guildID string, fn func(*GuildSettings) error) (GuildSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guilds[guildID]
	if !ok {
		g = Defaults(guildID)
	}
	next := g.Clone()
	if err := fn(&next); err != nil {
		return g.Clone(), err
	}
	next.GuildID = guildID
	m.guilds[guildID] = next
	return next.Clone(), nil
}

// SubscribedGuilds returns every guild with at least one entry watching streamer for f.
func SubscribedGuilds(ctx context.Context, s Store, f WatchFeature, streamer string) ([]GuildSettings, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	var out []GuildSettings
	for _, g := range all {
		if g.IsSubscribed(f, streamer) {
			out = append(out, g)
		}
	}
	return out, nil
}

// AddBlacklisted appends item to the guild blacklist. Adding an id twice is a no-op.
func AddBlacklisted(ctx context.Context, s Store, guildID string, item BlacklistItem) error {
	_, err := s.Update(ctx, guildID, func(g *GuildSettings) error {
		if !g.IsBlacklisted(item.YtID) {
			g.Blacklist = append(g.Blacklist, item)
		}
		return nil
	})
	return err
}

// RemoveBlacklisted removes ytID from the blacklist and reports whether it was present.
func RemoveBlacklisted(ctx context.Context, s Store, guildID, ytID string) (bool, error) {
	var removed bool
	_, err := s.Update(ctx, guildID, func(g *GuildSettings) error {
		removed = g.removeBlacklisted(ytID)
		return nil
	})
	return removed, err
}

// PopBlacklisted removes and returns the most recently blacklisted item.
func PopBlacklisted(ctx context.Context, s Store, guildID string) (BlacklistItem, bool, error) {
	var (
		item BlacklistItem
		ok   bool
	)
	_, err := s.Update(ctx, guildID, func(g *GuildSettings) error {
		item, ok = g.popBlacklisted()
		return nil
	})
	return item, ok, err
}

// AddEntry subscribes a channel to a streamer for feature f. It returns false if
// the same streamer/channel pair was already subscribed.
func AddEntry(ctx context.Context, s Store, guildID string, f WatchFeature, e WatchEntry) (bool, error) {
	var added bool
	_, err := s.Update(ctx, guildID, func(g *GuildSettings) error {
		var err error
		added, err = g.addEntry(f, e)
		return err
	})
	return added, err
}

// RemoveEntry unsubscribes a channel from a streamer for feature f.
func RemoveEntry(ctx context.Context, s Store, guildID string, f WatchFeature, streamer, channelID string) (bool, error) {
	var removed bool
	_, err := s.Update(ctx, guildID, func(g *GuildSettings) error {
		var err error
		removed, err = g.removeEntry(f, streamer, channelID)
		return err
	})
	return removed, err
}
