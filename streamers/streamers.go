// Package streamers loads the directory of known streamers from a YAML file.
package streamers

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Streamer is one known channel owner. A streamer may be on YouTube, Twitch or both.
type Streamer struct {
	Name        string `yaml:"name"`
	YouTubeID   string `yaml:"youtube_id"`
	TwitchLogin string `yaml:"twitch_login"`
	Picture     string `yaml:"picture"`
	Org         string `yaml:"org"`
}

// Directory is an immutable lookup over streamers by name, YouTube channel id and Twitch login.
type Directory struct {
	all       []Streamer
	byName    map[string]Streamer
	byYouTube map[string]Streamer
	byTwitch  map[string]Streamer
}

type file struct {
	Streamers []Streamer `yaml:"streamers"`
}

// NewDirectory indexes list. Names must be unique; empty names are rejected.
func NewDirectory(list []Streamer) (*Directory, error) {
	d := &Directory{
		byName:    make(map[string]Streamer, len(list)),
		byYouTube: make(map[string]Streamer),
		byTwitch:  make(map[string]Streamer),
	}
	for i, s := range list {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("streamer %d: empty name", i)
		}
		key := strings.ToLower(s.Name)
		if _, dup := d.byName[key]; dup {
			return nil, fmt.Errorf("streamer %q listed twice", s.Name)
		}
		d.byName[key] = s
		if s.YouTubeID != "" {
			d.byYouTube[s.YouTubeID] = s
		}
		if s.TwitchLogin != "" {
			d.byTwitch[strings.ToLower(s.TwitchLogin)] = s
		}
		d.all = append(d.all, s)
	}
	return d, nil
}

// Parse decodes a YAML document of the form `streamers: [{name: ..., youtube_id: ...}]`.
func Parse(data []byte) (*Directory, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse streamers: %w", err)
	}
	return NewDirectory(f.Streamers)
}

// LoadFile reads and parses the streamer directory at path.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read streamers file: %w", err)
	}
	return Parse(data)
}

// All returns every streamer in file order.
func (d *Directory) All() []Streamer {
	out := make([]Streamer, len(d.all))
	copy(out, d.all)
	return out
}

// ByName finds a streamer by name, ignoring case.
func (d *Directory) ByName(name string) (Streamer, bool) {
	s, ok := d.byName[strings.ToLower(name)]
	return s, ok
}

// ByYouTubeID finds the streamer owning a YouTube channel.
func (d *Directory) ByYouTubeID(id string) (Streamer, bool) {
	s, ok := d.byYouTube[id]
	return s, ok
}

// ByTwitchLogin finds the streamer owning a Twitch channel, ignoring case.
func (d *Directory) ByTwitchLogin(login string) (Streamer, bool) {
	s, ok := d.byTwitch[strings.ToLower(login)]
	return s, ok
}

// YouTubeIDs lists every known YouTube channel id.
func (d *Directory) YouTubeIDs() []string {
	var out []string
	for _, s := range d.all {
		if s.YouTubeID != "" {
			out = append(out, s.YouTubeID)
		}
	}
	return out
}

// TwitchLogins lists every known Twitch login.
func (d *Directory) TwitchLogins() []string {
	var out []string
	for _, s := range d.all {
		if s.TwitchLogin != "" {
			out = append(out, s.TwitchLogin)
		}
	}
	return out
}
