// Package watch polls the liveness sources and starts a relay session for
// every stream that goes live. YouTube streams also get a one-time live notice
// for guilds following the streamer's `youtube` feature.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/relaybot/relay"
	"github.com/onnwee/relaybot/settings"
)

// DefaultInterval is used when Poller.Interval is unset.
const DefaultInterval = 30 * time.Second

// Sessions is the part of the supervisor the poller drives.
type Sessions interface {
	StartSession(ctx context.Context, stream relay.StreamHandle) error
}

// Notifier sends watch-feature notifications.
type Notifier interface {
	Notify(ctx context.Context, opts relay.NotifyOptions) error
}

// Sources merges several liveness sources into one. Results of the sources
// that answered are returned together with the joined errors of the rest.
type Sources []relay.LivenessSource

// ListLiveStreams implements relay.LivenessSource.
func (s Sources) ListLiveStreams(ctx context.Context) ([]relay.StreamHandle, error) {
	var (
		out  []relay.StreamHandle
		errs []error
	)
	for _, src := range s {
		streams, err := src.ListLiveStreams(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, streams...)
	}
	return out, errors.Join(errs...)
}

// Poller discovers live streams on a fixed interval.
type Poller struct {
	Sources  []relay.LivenessSource
	Sessions Sessions
	Notifier Notifier
	Interval time.Duration
	Clock    clockwork.Clock

	mu   sync.Mutex
	seen map[string]int
}

func (p *Poller) clock() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) {
	every := p.Interval
	if every <= 0 {
		every = DefaultInterval
	}
	ticker := p.clock().NewTicker(every)
	defer ticker.Stop()
	slog.Info("watch: started poller", slog.String("component", "watch"), slog.Duration("interval", every))
	for {
		if ctx.Err() != nil {
			return
		}
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// Poll runs one discovery pass.
func (p *Poller) Poll(ctx context.Context) {
	p.mu.Lock()
	if p.seen == nil {
		p.seen = make(map[string]int)
	}
	p.mu.Unlock()

	for i, src := range p.Sources {
		streams, err := src.ListLiveStreams(ctx)
		if err != nil {
			slog.Debug("watch: live query failed", slog.String("component", "watch"), slog.Any("err", err))
			continue
		}
		p.handle(ctx, i, streams)
	}
}

// handle starts sessions for streams of source idx not seen before.
func (p *Poller) handle(ctx context.Context, idx int, streams []relay.StreamHandle) {
	live := make(map[string]struct{}, len(streams))
	for _, st := range streams {
		live[st.VideoID] = struct{}{}
	}

	var fresh []relay.StreamHandle
	p.mu.Lock()
	for _, st := range streams {
		if st.Status != relay.StatusLive {
			continue
		}
		if _, ok := p.seen[st.VideoID]; !ok {
			p.seen[st.VideoID] = idx
			fresh = append(fresh, st)
		}
	}
	// Forget ended streams, but only those this source reported.
	for id, src := range p.seen {
		if src != idx {
			continue
		}
		if _, ok := live[id]; !ok {
			delete(p.seen, id)
		}
	}
	p.mu.Unlock()

	for _, st := range fresh {
		logger := slog.With(slog.String("component", "watch"), slog.String("video_id", st.VideoID), slog.String("streamer", st.Creator.Name))
		logger.Info("watch: stream live")
		if err := p.Sessions.StartSession(ctx, st); err != nil {
			logger.Warn("watch: start session failed", slog.Any("err", err))
		}
		if p.Notifier != nil && st.Platform == relay.PlatformYouTube {
			err := p.Notifier.Notify(ctx, relay.NotifyOptions{
				Feature:   settings.FeatureYouTube,
				Streamer:  st.Creator,
				EmbedBody: fmt.Sprintf("I am live on YouTube!\n%s", st.URL()),
				Emoji:     ":arrow_forward:",
				VideoID:   st.VideoID,
			})
			if err != nil {
				logger.Warn("watch: live notice failed", slog.Any("err", err))
			}
		}
	}
}

// Seen reports how many streams are currently tracked as live.
func (p *Poller) Seen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}
