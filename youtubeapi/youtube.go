// Package youtubeapi wraps the YouTube Data API for the single purpose of
// discovering which directory streamers are live right now. Requests are
// authenticated with an API key or, when one is configured, a Google OAuth2
// refresh token.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/relaybot/relay"
	"github.com/onnwee/relaybot/streamers"
)

// recentUploads is how many uploads per channel are inspected. A live stream
// is always among the newest entries of the uploads playlist.
const recentUploads = 5

// videosPerCall is the videos.list id cap.
const videosPerCall = 50

// Options configure New. Either APIKey or the OAuth triple must be set.
type Options struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// HTTPClient and Endpoint override transport; used by tests.
	HTTPClient *http.Client
	Endpoint   string

	Concurrency int
}

// LiveSource implements relay.LivenessSource over the YouTube Data API.
type LiveSource struct {
	svc         *yt.Service
	dir         *streamers.Directory
	concurrency int
}

// New builds a LiveSource for every directory streamer with a YouTube channel.
func New(ctx context.Context, dir *streamers.Directory, o Options) (*LiveSource, error) {
	var opts []option.ClientOption
	switch {
	case o.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(o.HTTPClient))
	case o.RefreshToken != "":
		conf := &oauth2.Config{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{yt.YoutubeReadonlyScope},
		}
		opts = append(opts, option.WithTokenSource(conf.TokenSource(ctx, &oauth2.Token{RefreshToken: o.RefreshToken})))
	case o.APIKey != "":
		opts = append(opts, option.WithAPIKey(o.APIKey))
	default:
		return nil, errors.New("youtube: need YT_API_KEY or YT_REFRESH_TOKEN")
	}
	if o.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.Endpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	c := o.Concurrency
	if c <= 0 {
		c = 4
	}
	return &LiveSource{svc: svc, dir: dir, concurrency: c}, nil
}

// uploadsPlaylist maps a UC... channel id to its UU... uploads playlist.
func uploadsPlaylist(channelID string) string {
	if strings.HasPrefix(channelID, "UC") {
		return "UU" + channelID[2:]
	}
	return channelID
}

// ListLiveStreams implements relay.LivenessSource. Channels whose uploads
// cannot be listed are skipped; the call fails only when every channel does.
func (l *LiveSource) ListLiveStreams(ctx context.Context) ([]relay.StreamHandle, error) {
	channels := l.dir.YouTubeIDs()
	if len(channels) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		ids      []string
		failures int
		lastErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for _, ch := range channels {
		g.Go(func() error {
			vids, err := l.recentVideoIDs(gctx, ch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				lastErr = err
				slog.Warn("youtube uploads lookup failed", slog.String("component", "youtubeapi"), slog.String("channel_id", ch), slog.Any("err", err))
				return nil
			}
			ids = append(ids, vids...)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failures == len(channels) {
		return nil, fmt.Errorf("youtube live streams: %w", lastErr)
	}

	var out []relay.StreamHandle
	for start := 0; start < len(ids); start += videosPerCall {
		end := min(start+videosPerCall, len(ids))
		live, err := l.liveVideos(ctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("youtube live streams: %w", err)
		}
		out = append(out, live...)
	}
	return out, nil
}

func (l *LiveSource) recentVideoIDs(ctx context.Context, channelID string) ([]string, error) {
	resp, err := l.svc.PlaylistItems.List([]string{"contentDetails"}).
		PlaylistId(uploadsPlaylist(channelID)).
		MaxResults(recentUploads).
		Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.ContentDetails != nil && it.ContentDetails.VideoId != "" {
			out = append(out, it.ContentDetails.VideoId)
		}
	}
	return out, nil
}

func (l *LiveSource) liveVideos(ctx context.Context, ids []string) ([]relay.StreamHandle, error) {
	resp, err := l.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).
		Id(ids...).
		Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	var out []relay.StreamHandle
	for _, v := range resp.Items {
		if v.Snippet == nil || v.Snippet.LiveBroadcastContent != "live" {
			continue
		}
		creator, ok := l.dir.ByYouTubeID(v.Snippet.ChannelId)
		if !ok {
			continue
		}
		h := relay.StreamHandle{
			VideoID:  v.Id,
			Platform: relay.PlatformYouTube,
			Status:   relay.StatusLive,
			Title:    v.Snippet.Title,
			Creator:  creator,
		}
		if d := v.LiveStreamingDetails; d != nil && d.ActualStartTime != "" {
			if t, err := time.Parse(time.RFC3339, d.ActualStartTime); err == nil {
				h.StartedAt = t
			}
		}
		out = append(out, h)
	}
	return out, nil
}
