// Package settings holds per-guild configuration: watch subscriptions for each
// feature, the relay blacklist, custom banned patterns and the transcript log
// channel. Settings are created with defaults on first read, so callers never
// have to distinguish "unknown guild" from "guild with empty settings".
package settings

import (
	"errors"
	"slices"
	"strings"
)

// WatchFeature names a notification feature a guild can subscribe a channel to.
type WatchFeature string

const (
	FeatureRelay       WatchFeature = "relay"
	FeatureYouTube     WatchFeature = "youtube"
	FeatureCommunity   WatchFeature = "community"
	FeatureCameos      WatchFeature = "cameos"
	FeatureTwitcasting WatchFeature = "twitcasting"
)

// ErrUnknownFeature is returned when a feature name does not map to a subscription list.
var ErrUnknownFeature = errors.New("unknown watch feature")

// Features lists every feature with a subscription list.
var Features = []WatchFeature{FeatureRelay, FeatureYouTube, FeatureCommunity, FeatureCameos, FeatureTwitcasting}

// ParseFeature validates a feature name.
func ParseFeature(s string) (WatchFeature, error) {
	f := WatchFeature(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Features, f) {
		return f, nil
	}
	return "", ErrUnknownFeature
}

// WatchEntry binds a streamer to a destination channel for one feature.
type WatchEntry struct {
	Streamer     string `json:"streamer"`
	ChannelID    string `json:"channel_id"`
	RoleToNotify string `json:"role_to_notify,omitempty"`
}

// BlacklistItem is a YouTube channel whose comments are dropped from relays and logs.
type BlacklistItem struct {
	YtID string `json:"yt_id"`
	Name string `json:"name,omitempty"`
}

// GuildSettings is the full settings document for one guild.
type GuildSettings struct {
	GuildID              string          `json:"guild_id"`
	Blacklist            []BlacklistItem `json:"blacklist"`
	CustomWantedPatterns []string        `json:"custom_wanted_patterns"`
	CustomBannedPatterns []string        `json:"custom_banned_patterns"`
	LogChannel           string          `json:"log_channel,omitempty"`
	Threads              bool            `json:"threads"`

	Relay       []WatchEntry `json:"relay"`
	YouTube     []WatchEntry `json:"youtube"`
	Community   []WatchEntry `json:"community"`
	Cameos      []WatchEntry `json:"cameos"`
	Twitcasting []WatchEntry `json:"twitcasting"`
}

// Defaults returns the settings a guild starts with.
func Defaults(guildID string) GuildSettings {
	return GuildSettings{
		GuildID:              guildID,
		Blacklist:            []BlacklistItem{},
		CustomWantedPatterns: []string{},
		CustomBannedPatterns: []string{},
		Relay:                []WatchEntry{},
		YouTube:              []WatchEntry{},
		Community:            []WatchEntry{},
		Cameos:               []WatchEntry{},
		Twitcasting:          []WatchEntry{},
	}
}

// Clone returns a deep copy so stores can hand out values without sharing slices.
func (g GuildSettings) Clone() GuildSettings {
	c := g
	c.Blacklist = slices.Clone(g.Blacklist)
	c.CustomWantedPatterns = slices.Clone(g.CustomWantedPatterns)
	c.CustomBannedPatterns = slices.Clone(g.CustomBannedPatterns)
	c.Relay = slices.Clone(g.Relay)
	c.YouTube = slices.Clone(g.YouTube)
	c.Community = slices.Clone(g.Community)
	c.Cameos = slices.Clone(g.Cameos)
	c.Twitcasting = slices.Clone(g.Twitcasting)
	return c
}

func (g *GuildSettings) list(f WatchFeature) (*[]WatchEntry, error) {
	switch f {
	case FeatureRelay:
		return &g.Relay, nil
	case FeatureYouTube:
		return &g.YouTube, nil
	case FeatureCommunity:
		return &g.Community, nil
	case FeatureCameos:
		return &g.Cameos, nil
	case FeatureTwitcasting:
		return &g.Twitcasting, nil
	}
	return nil, ErrUnknownFeature
}

// Entries returns the subscription list for a feature (nil for unknown features).
func (g GuildSettings) Entries(f WatchFeature) []WatchEntry {
	l, err := g.list(f)
	if err != nil {
		return nil
	}
	return *l
}

// EntriesFor returns the entries of a feature that watch the given streamer.
func (g GuildSettings) EntriesFor(f WatchFeature, streamer string) []WatchEntry {
	var out []WatchEntry
	for _, e := range g.Entries(f) {
		if e.Streamer == streamer {
			out = append(out, e)
		}
	}
	return out
}

// IsSubscribed reports whether any channel of the guild watches streamer for f.
func (g GuildSettings) IsSubscribed(f WatchFeature, streamer string) bool {
	for _, e := range g.Entries(f) {
		if e.Streamer == streamer {
			return true
		}
	}
	return false
}

// IsBlacklisted reports whether ytID is on the guild's blacklist.
func (g GuildSettings) IsBlacklisted(ytID string) bool {
	return slices.ContainsFunc(g.Blacklist, func(b BlacklistItem) bool { return b.YtID == ytID })
}

// IsBanned reports whether body contains any custom banned pattern, ignoring case.
func (g GuildSettings) IsBanned(body string) bool {
	lower := strings.ToLower(body)
	for _, p := range g.CustomBannedPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// addEntry appends e to feature f unless an identical streamer/channel pair exists.
func (g *GuildSettings) addEntry(f WatchFeature, e WatchEntry) (bool, error) {
	l, err := g.list(f)
	if err != nil {
		return false, err
	}
	for _, cur := range *l {
		if cur.Streamer == e.Streamer && cur.ChannelID == e.ChannelID {
			return false, nil
		}
	}
	*l = append(*l, e)
	return true, nil
}

func (g *GuildSettings) removeEntry(f WatchFeature, streamer, channelID string) (bool, error) {
	l, err := g.list(f)
	if err != nil {
		return false, err
	}
	before := len(*l)
	*l = slices.DeleteFunc(*l, func(e WatchEntry) bool {
		return e.Streamer == streamer && e.ChannelID == channelID
	})
	return len(*l) != before, nil
}

func (g *GuildSettings) removeBlacklisted(ytID string) bool {
	if !g.IsBlacklisted(ytID) {
		return false
	}
	g.Blacklist = slices.DeleteFunc(g.Blacklist, func(b BlacklistItem) bool { return b.YtID == ytID })
	return true
}

func (g *GuildSettings) popBlacklisted() (BlacklistItem, bool) {
	if len(g.Blacklist) == 0 {
		return BlacklistItem{}, false
	}
	last := g.Blacklist[len(g.Blacklist)-1]
	g.Blacklist = g.Blacklist[:len(g.Blacklist)-1]
	return last, true
}
