package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/onnwee/relaybot/settings"
)

type sent struct {
	ChannelID string
	Msg       Outgoing
	ID        string
}

type fakeDelivery struct {
	mu       sync.Mutex
	sends    []sent
	threads  []string // "<root id>|<name>|<minutes>"
	pins     []string
	unpins   []string
	perms    map[Permission]bool
	failSend map[string]error // by channel id
	unpinErr error
	next     int
}

func newFakeDelivery(perms ...Permission) *fakeDelivery {
	d := &fakeDelivery{perms: make(map[Permission]bool), failSend: make(map[string]error)}
	for _, p := range perms {
		d.perms[p] = true
	}
	return d
}

func (d *fakeDelivery) Send(_ context.Context, channelID string, msg Outgoing) (Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failSend[channelID]; err != nil {
		return Message{}, err
	}
	d.next++
	id := fmt.Sprintf("m%d", d.next)
	d.sends = append(d.sends, sent{ChannelID: channelID, Msg: msg, ID: id})
	return Message{ChannelID: channelID, ID: id}, nil
}

func (d *fakeDelivery) CreateThread(_ context.Context, root Message, name string, minutes int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threads = append(d.threads, fmt.Sprintf("%s|%s|%d", root.ID, name, minutes))
	return "thread-" + root.ID, nil
}

func (d *fakeDelivery) Pin(_ context.Context, m Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pins = append(d.pins, m.ID)
	return nil
}

func (d *fakeDelivery) Unpin(_ context.Context, m Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unpins = append(d.unpins, m.ID)
	return d.unpinErr
}

func (d *fakeDelivery) Can(_ context.Context, _ string, p Permission) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.perms[p]
}

func (d *fakeDelivery) sentTo(channelID string) []sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []sent
	for _, s := range d.sends {
		if s.ChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}

func (d *fakeDelivery) files() []sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []sent
	for _, s := range d.sends {
		if s.Msg.File != nil {
			out = append(out, s)
		}
	}
	return out
}

func (d *fakeDelivery) unpinCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.unpins)
}

type fakeLiveness struct {
	mu   sync.Mutex
	live map[string]bool
	err  error
}

func newFakeLiveness(ids ...string) *fakeLiveness {
	l := &fakeLiveness{live: make(map[string]bool)}
	for _, id := range ids {
		l.live[id] = true
	}
	return l
}

func (l *fakeLiveness) set(id string, live bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.live[id] = live
}

func (l *fakeLiveness) ListLiveStreams(context.Context) ([]StreamHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	var out []StreamHandle
	for id, ok := range l.live {
		if ok {
			out = append(out, StreamHandle{VideoID: id, Status: StatusLive})
		}
	}
	return out, nil
}

type fakeSession struct {
	mu      sync.Mutex
	stopped int
}

func (s *fakeSession) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

type fakeSpawner struct {
	mu       sync.Mutex
	sinks    []Sink
	sessions []*fakeSession
	failNext int
}

func (f *fakeSpawner) Spawn(_ context.Context, _ StreamHandle, sink Sink) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("spawn failed")
	}
	s := &fakeSession{}
	f.sinks = append(f.sinks, sink)
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

func (f *fakeSpawner) last() Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[len(f.sinks)-1]
}

func lines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// relayGuild builds a guild relaying streamer into channelID.
func relayGuild(guildID, streamer, channelID string) settings.GuildSettings {
	g := settings.Defaults(guildID)
	g.Relay = []settings.WatchEntry{{Streamer: streamer, ChannelID: channelID}}
	return g
}

func seed(store settings.Store, guilds ...settings.GuildSettings) {
	for _, g := range guilds {
		_, _ = store.Update(context.Background(), g.GuildID, func(cur *settings.GuildSettings) error {
			*cur = g
			return nil
		})
	}
}
