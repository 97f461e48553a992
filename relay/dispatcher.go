package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/onnwee/relaybot/settings"
	"github.com/onnwee/relaybot/streamers"
	"github.com/onnwee/relaybot/telemetry"
)

const (
	// ThreadAutoArchiveMinutes is the inactivity window after which relay threads archive.
	ThreadAutoArchiveMinutes = 1440
	// UnpinAfter is how long a relay announcement stays pinned.
	UnpinAfter = 24 * time.Hour
)

var errNoEntries = errors.New("guild has no channel for this streamer")

// NotifyOptions describes one watch-feature event.
type NotifyOptions struct {
	Feature   settings.WatchFeature
	Streamer  streamers.Streamer
	EmbedBody string
	Emoji     string
	VideoID   string
	// SubbedGuilds overrides guild resolution from settings when non-nil.
	SubbedGuilds []settings.GuildSettings
}

// Dispatcher fans watch-feature events out to subscribed guilds.
type Dispatcher struct {
	settings    settings.Store
	delivery    Delivery
	notices     *NoticeRegistry
	clock       clockwork.Clock
	limiter     *rate.Limiter
	concurrency int

	mu      sync.Mutex
	unpins  map[string]clockwork.Timer
	stopped bool
}

func NewDispatcher(store settings.Store, delivery Delivery, notices *NoticeRegistry, clock clockwork.Clock, limiter *rate.Limiter, concurrency int) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Dispatcher{
		settings:    store,
		delivery:    delivery,
		notices:     notices,
		clock:       clock,
		limiter:     limiter,
		concurrency: concurrency,
		unpins:      make(map[string]clockwork.Timer),
	}
}

// Notify delivers opts to every subscribed guild. Per-guild failures are
// logged and never affect other guilds; the returned error only reports a
// failure to resolve the guild list.
func (d *Dispatcher) Notify(ctx context.Context, opts NotifyOptions) error {
	ctx = telemetry.EnsureCorrelation(ctx)
	ctx, span := telemetry.StartSpan(ctx, "relay.notify")
	defer span.End()

	guilds := opts.SubbedGuilds
	if guilds == nil {
		var err error
		guilds, err = settings.SubscribedGuilds(ctx, d.settings, opts.Feature, opts.Streamer.Name)
		if err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("resolve subscribed guilds: %w", err)
		}
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, guild := range guilds {
		g.Go(func() error {
			d.notifyGuild(ctx, guild, opts)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) notifyGuild(ctx context.Context, g settings.GuildSettings, opts NotifyOptions) {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "dispatcher"),
		slog.String("guild_id", g.GuildID),
		slog.String("feature", string(opts.Feature)),
	)
	if opts.Feature == settings.FeatureRelay {
		if _, _, err := d.AnnounceRelay(ctx, g, opts); err != nil && !errors.Is(err, errNoEntries) {
			log.Warn("relay announcement failed", slog.String("video_id", opts.VideoID), slog.Any("err", err))
		}
		return
	}
	for _, e := range g.EntriesFor(opts.Feature, opts.Streamer.Name) {
		if _, err := d.send(ctx, e.ChannelID, notification(e, opts)); err != nil {
			telemetry.DeliveryFailed(string(opts.Feature))
			log.Warn("notification delivery failed", slog.String("channel_id", e.ChannelID), slog.Any("err", err))
		}
	}
}

// AnnounceRelay posts the relay announcement for (opts.VideoID, g) unless one
// already exists. Every relay channel of the guild for the streamer gets the
// announcement; the first one delivered is recorded and roots the thread.
func (d *Dispatcher) AnnounceRelay(ctx context.Context, g settings.GuildSettings, opts NotifyOptions) (Notice, bool, error) {
	if opts.VideoID == "" {
		return Notice{}, false, errors.New("relay announcement without video id")
	}
	entries := g.EntriesFor(settings.FeatureRelay, opts.Streamer.Name)
	if len(entries) == 0 {
		return Notice{}, false, errNoEntries
	}
	return d.notices.Ensure(ctx, opts.VideoID, g.GuildID, func(ctx context.Context) (Notice, error) {
		var (
			primary Notice
			lastErr error
		)
		for _, e := range entries {
			msg, err := d.send(ctx, e.ChannelID, notification(e, opts))
			if err != nil {
				telemetry.DeliveryFailed(string(settings.FeatureRelay))
				lastErr = err
				continue
			}
			d.pinForADay(ctx, msg)
			if primary.MessageID == "" {
				primary = Notice{ChannelID: msg.ChannelID, MessageID: msg.ID}
				primary.ThreadID = d.startThread(ctx, msg, opts)
			}
		}
		if primary.MessageID == "" {
			return Notice{}, fmt.Errorf("announce relay in guild %s: %w", g.GuildID, lastErr)
		}
		return primary, nil
	})
}

func (d *Dispatcher) startThread(ctx context.Context, msg Message, opts NotifyOptions) string {
	if !d.delivery.Can(ctx, msg.ChannelID, PermCreatePublicThreads) {
		return ""
	}
	name := fmt.Sprintf("Log %s %s", opts.Streamer.Name, opts.VideoID)
	id, err := d.delivery.CreateThread(ctx, msg, name, ThreadAutoArchiveMinutes)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("relay thread creation failed",
			slog.String("component", "dispatcher"),
			slog.String("channel_id", msg.ChannelID),
			slog.Any("err", err))
		return ""
	}
	return id
}

// pinForADay pins msg and schedules its unpin. Both failures are swallowed.
func (d *Dispatcher) pinForADay(ctx context.Context, msg Message) {
	if !d.delivery.Can(ctx, msg.ChannelID, PermManageMessages) {
		return
	}
	if err := d.delivery.Pin(ctx, msg); err != nil {
		slog.Debug("pin failed", slog.String("component", "dispatcher"), slog.String("message_id", msg.ID), slog.Any("err", err))
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	key := msg.ChannelID + "/" + msg.ID
	d.unpins[key] = d.clock.AfterFunc(UnpinAfter, func() {
		d.mu.Lock()
		delete(d.unpins, key)
		d.mu.Unlock()
		uctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.delivery.Unpin(uctx, msg); err != nil {
			slog.Debug("unpin failed", slog.String("component", "dispatcher"), slog.String("message_id", msg.ID), slog.Any("err", err))
		}
	})
}

// PendingUnpins reports how many unpin timers are scheduled.
func (d *Dispatcher) PendingUnpins() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.unpins)
}

// Stop cancels pending unpin timers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, t := range d.unpins {
		t.Stop()
		delete(d.unpins, k)
	}
}

// send delivers one message through the shared rate limiter.
func (d *Dispatcher) send(ctx context.Context, channelID string, msg Outgoing) (Message, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return Message{}, fmt.Errorf("rate limit wait: %w", err)
	}
	return d.delivery.Send(ctx, channelID, msg)
}

func notification(e settings.WatchEntry, opts NotifyOptions) Outgoing {
	content := " "
	if e.RoleToNotify != "" {
		content = fmt.Sprintf("%s <@&%s> ", opts.Emoji, e.RoleToNotify)
	}
	return Outgoing{
		Content: content,
		Embed: &Embed{
			AuthorName: opts.Streamer.Name,
			AuthorIcon: opts.Streamer.Picture,
			Thumbnail:  opts.Streamer.Picture,
			Body:       opts.EmbedBody,
		},
	}
}
