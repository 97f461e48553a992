package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/relaybot/settings"
	"github.com/onnwee/relaybot/streamers"
	"github.com/onnwee/relaybot/telemetry"
)

// Relayer buffers incoming comments and relays them live, in arrival order, through one worker per video.
type Relayer struct {
	settings   settings.Store
	dispatcher *Dispatcher
	history    *HistoryStore
	directory  *streamers.Directory

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*worker
}

func NewRelayer(ctx context.Context, store settings.Store, dispatcher *Dispatcher, history *HistoryStore, directory *streamers.Directory) *Relayer {
	return &Relayer{
		settings:   store,
		dispatcher: dispatcher,
		history:    history,
		directory:  directory,
		ctx:        ctx,
		workers:    make(map[string]*worker),
	}
}

// HandleComment buffers c for every guild relaying the stream's creator and
// queues its live delivery. Only a settings lookup failure is returned; the
// comment is then neither buffered nor relayed.
func (r *Relayer) HandleComment(ctx context.Context, stream StreamHandle, c Comment) error {
	guilds, err := settings.SubscribedGuilds(ctx, r.settings, settings.FeatureRelay, stream.Creator.Name)
	if err != nil {
		return fmt.Errorf("relay guilds for %s: %w", stream.VideoID, err)
	}
	for _, g := range guilds {
		entries := g.EntriesFor(settings.FeatureRelay, stream.Creator.Name)
		r.history.Append(stream.VideoID, g.GuildID, RelayedComment{
			Timestamp:            c.Timestamp,
			Author:               c.Author,
			Body:                 c.Body,
			SourceChannelID:      c.AuthorChannelID,
			DestinationChannelID: entries[0].ChannelID,
		})
		telemetry.CommentBuffered()
	}

	w := r.worker(stream.VideoID)
	if len(guilds) > 0 {
		w.push(func(ctx context.Context) { r.deliverLive(ctx, stream, guilds, c) })
	}
	if cameo, ok := r.cameoOf(stream, c); ok {
		w.push(func(ctx context.Context) { r.notifyCameo(ctx, stream, cameo, c) })
	}
	return nil
}

func (r *Relayer) worker(videoID string) *worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[videoID]
	if !ok {
		w = startWorker(r.ctx)
		r.workers[videoID] = w
	}
	return w
}

// Close waits for every queued live delivery of videoID and drops its worker.
func (r *Relayer) Close(videoID string) {
	r.mu.Lock()
	w, ok := r.workers[videoID]
	delete(r.workers, videoID)
	r.mu.Unlock()
	if ok {
		w.close()
	}
}

// CloseAll drains every worker.
func (r *Relayer) CloseAll() {
	r.mu.Lock()
	ws := r.workers
	r.workers = make(map[string]*worker)
	r.mu.Unlock()
	for _, w := range ws {
		w.close()
	}
}

func relayOptions(stream StreamHandle) NotifyOptions {
	return NotifyOptions{
		Feature:  settings.FeatureRelay,
		Streamer: stream.Creator,
		Emoji:    ":speech_balloon:",
		VideoID:  stream.VideoID,
		EmbedBody: fmt.Sprintf("I will now relay translations from live translators in %s's livestream.\n%s",
			stream.Creator.Name, stream.URL()),
	}
}

// deliverLive relays one comment to every guild. Guilds run concurrently but
// the call returns only when all are done, which keeps per-guild order.
func (r *Relayer) deliverLive(ctx context.Context, stream StreamHandle, guilds []settings.GuildSettings, c Comment) {
	opts := relayOptions(stream)
	var eg errgroup.Group
	eg.SetLimit(r.dispatcher.concurrency)
	for _, g := range guilds {
		if g.IsBlacklisted(c.AuthorChannelID) || g.IsBanned(c.Body) {
			continue
		}
		eg.Go(func() error {
			r.relayToGuild(ctx, g, opts, c)
			return nil
		})
	}
	_ = eg.Wait()
}

func (r *Relayer) relayToGuild(ctx context.Context, g settings.GuildSettings, opts NotifyOptions, c Comment) {
	log := slog.With(slog.String("component", "relayer"), slog.String("video_id", opts.VideoID), slog.String("guild_id", g.GuildID))
	notice, _, err := r.dispatcher.AnnounceRelay(ctx, g, opts)
	if err != nil {
		// Relay the comment anyway; the next comment retries the announcement.
		log.Warn("relay announcement failed", slog.Any("err", err))
	}
	content := fmt.Sprintf(":speech_balloon: **%s:** `%s`", c.Author, c.Body)
	for _, e := range g.EntriesFor(settings.FeatureRelay, opts.Streamer.Name) {
		dest := e.ChannelID
		if g.Threads && notice.ThreadID != "" && notice.ChannelID == e.ChannelID {
			dest = notice.ThreadID
		}
		if _, err := r.dispatcher.send(ctx, dest, Outgoing{Content: content}); err != nil {
			telemetry.DeliveryFailed(string(settings.FeatureRelay))
			log.Warn("live relay delivery failed", slog.String("channel_id", dest), slog.Any("err", err))
		}
	}
}

// cameoOf reports the known streamer who wrote c, when that is not the stream's creator.
func (r *Relayer) cameoOf(stream StreamHandle, c Comment) (streamers.Streamer, bool) {
	if r.directory == nil {
		return streamers.Streamer{}, false
	}
	var (
		s  streamers.Streamer
		ok bool
	)
	switch stream.Platform {
	case PlatformTwitch:
		s, ok = r.directory.ByTwitchLogin(c.AuthorChannelID)
	default:
		s, ok = r.directory.ByYouTubeID(c.AuthorChannelID)
	}
	if !ok || s.Name == stream.Creator.Name {
		return streamers.Streamer{}, false
	}
	return s, true
}

func (r *Relayer) notifyCameo(ctx context.Context, stream StreamHandle, cameo streamers.Streamer, c Comment) {
	err := r.dispatcher.Notify(ctx, NotifyOptions{
		Feature:   settings.FeatureCameos,
		Streamer:  cameo,
		Emoji:     ":eyes:",
		VideoID:   stream.VideoID,
		EmbedBody: fmt.Sprintf("**%s** in %s's chat: `%s`\n%s", cameo.Name, stream.Creator.Name, c.Body, stream.URL()),
	})
	if err != nil {
		slog.Warn("cameo notification failed", slog.String("component", "relayer"), slog.String("video_id", stream.VideoID), slog.Any("err", err))
	}
}
