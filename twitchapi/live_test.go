package twitchapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/relaybot/relay"
	"github.com/onnwee/relaybot/streamers"
	"github.com/onnwee/relaybot/testutil"
)

func TestLiveSource_EndToEndWithAppToken(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockOAuthTokenResponse("app-token", 3600)
	mock.MockStreamsResponse([]map[string]any{
		{"id": "s1", "user_login": "pekora_ch", "title": "Minecraft", "type": "live", "started_at": "2024-10-15T14:30:00Z"},
		{"id": "s2", "user_login": "miko_ch", "title": "", "type": "live"},
		{"id": "s3", "user_login": "someone_else", "type": "live"},
	})

	hc := &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: mock.URL}}
	client := &HelixClient{
		AppTokenSource: &TokenSource{ClientID: "cid", ClientSecret: "secret", HTTPClient: hc},
		ClientID:       "cid",
		HTTPClient:     hc,
	}
	dir, err := streamers.NewDirectory([]streamers.Streamer{
		{Name: "Pekora", TwitchLogin: "pekora_ch"},
		{Name: "Miko", TwitchLogin: "miko_ch"},
	})
	require.NoError(t, err)
	src := &LiveSource{Client: client, Directory: dir}

	for range 2 {
		got, err := src.ListLiveStreams(context.Background())
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, relay.PlatformTwitch, got[0].Platform)
	}
	assert.Equal(t, 1, mock.Hits("/oauth2/token"), "app token should be cached between polls")
	assert.Equal(t, 2, mock.Hits("/helix/streams"))
}

func TestLiveSource_NoLogins(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	dir, err := streamers.NewDirectory([]streamers.Streamer{{Name: "Miko", YouTubeID: "UCmiko"}})
	require.NoError(t, err)
	src := &LiveSource{Client: newTestHelix(mock.URL), Directory: dir}

	got, err := src.ListLiveStreams(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, mock.Hits("/helix/streams"))
}
