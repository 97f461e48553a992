package chatsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/relaybot/relay"
)

// DefaultLiveCheckInterval is how often a Twitch session confirms its stream is still live.
const DefaultLiveCheckInterval = time.Minute

// ircClient is the subset of *twitch.Client a session needs.
type ircClient interface {
	OnPrivateMessage(func(twitch.PrivateMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// PasswordSource yields the IRC password ("oauth:<token>").
type PasswordSource interface {
	IRCPassword() (string, error)
}

// TwitchSpawner starts one IRC connection per Twitch stream.
type TwitchSpawner struct {
	Username string
	Password PasswordSource
	// Live is consulted every CheckEvery; the session ends once the stream is gone.
	Live       relay.LivenessSource
	CheckEvery time.Duration
	Clock      clockwork.Clock

	newClient func(user, pass string) ircClient
}

func (t *TwitchSpawner) client(user, pass string) ircClient {
	if t.newClient != nil {
		return t.newClient(user, pass)
	}
	return twitch.NewClient(user, pass)
}

// Spawn implements relay.SessionSpawner.
func (t *TwitchSpawner) Spawn(ctx context.Context, stream relay.StreamHandle, sink relay.Sink) (relay.Session, error) {
	channel := stream.Creator.TwitchLogin
	if channel == "" {
		return nil, fmt.Errorf("twitch session %s: creator %q has no twitch login", stream.VideoID, stream.Creator.Name)
	}
	if t.Username == "" || t.Password == nil {
		return nil, errors.New("twitch session: bot username or token not configured")
	}
	pass, err := t.Password.IRCPassword()
	if err != nil {
		return nil, fmt.Errorf("twitch session %s: %w", stream.VideoID, err)
	}
	clock := t.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	every := t.CheckEvery
	if every <= 0 {
		every = DefaultLiveCheckInterval
	}

	c := t.client(t.Username, pass)
	gs := &guardedSink{sink: sink}
	sess := &twitchSession{client: c, done: make(chan struct{})}
	logger := slog.With(slog.String("component", "chatsource"), slog.String("video_id", stream.VideoID), slog.String("channel", channel))

	c.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		ts := msg.Time
		if ts.IsZero() {
			ts = clock.Now()
		}
		author := msg.User.DisplayName
		if author == "" {
			author = msg.User.Name
		}
		gs.comment(relay.Comment{
			Timestamp:       ts.UTC(),
			Author:          author,
			AuthorChannelID: msg.User.Name,
			Body:            msg.Message,
		})
	})
	c.Join(channel)

	go func() {
		err := c.Connect()
		close(sess.done)
		code := 0
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			logger.Warn("twitch chat connection ended", slog.Any("err", err))
			code = 1
		}
		gs.exit(code)
	}()

	if t.Live != nil {
		go sess.watchLive(ctx, clock, every, t.Live, stream.VideoID, logger)
	}
	return sess, nil
}

type twitchSession struct {
	client ircClient
	once   sync.Once
	done   chan struct{}
}

// Stop disconnects; the sink sees Exit(0).
func (s *twitchSession) Stop() {
	s.once.Do(func() {
		if err := s.client.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			slog.Debug("twitch disconnect", slog.Any("err", err))
		}
	})
}

func (s *twitchSession) watchLive(ctx context.Context, clock clockwork.Clock, every time.Duration, live relay.LivenessSource, videoID string, logger *slog.Logger) {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-s.done:
			return
		case <-ticker.Chan():
		}
		streams, err := live.ListLiveStreams(ctx)
		if err != nil {
			logger.Debug("twitch live check failed", slog.Any("err", err))
			continue
		}
		stillLive := false
		for _, st := range streams {
			if st.VideoID == videoID {
				stillLive = true
				break
			}
		}
		if !stillLive {
			logger.Info("twitch stream went offline; closing chat session")
			s.Stop()
			return
		}
	}
}
