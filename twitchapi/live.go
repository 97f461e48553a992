package twitchapi

import (
	"context"
	"fmt"

	"github.com/onnwee/relaybot/relay"
	"github.com/onnwee/relaybot/streamers"
)

// LiveSource reports live Twitch streams of every directory streamer with a Twitch login.
type LiveSource struct {
	Client    *HelixClient
	Directory *streamers.Directory
}

// ListLiveStreams implements relay.LivenessSource.
func (l *LiveSource) ListLiveStreams(ctx context.Context) ([]relay.StreamHandle, error) {
	logins := l.Directory.TwitchLogins()
	if len(logins) == 0 {
		return nil, nil
	}
	streams, err := l.Client.GetStreams(ctx, logins...)
	if err != nil {
		return nil, fmt.Errorf("twitch live streams: %w", err)
	}
	out := make([]relay.StreamHandle, 0, len(streams))
	for _, s := range streams {
		if s.Type != "" && s.Type != "live" {
			continue
		}
		creator, ok := l.Directory.ByTwitchLogin(s.UserLogin)
		if !ok {
			continue
		}
		out = append(out, relay.StreamHandle{
			VideoID:   s.ID,
			Platform:  relay.PlatformTwitch,
			Status:    relay.StatusLive,
			Title:     s.Title,
			StartedAt: s.StartedAt,
			Creator:   creator,
		})
	}
	return out, nil
}
