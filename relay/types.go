package relay

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/relaybot/streamers"
)

// ErrShutdown is returned by StartSession after Shutdown.
var ErrShutdown = errors.New("relay supervisor shut down")

type Platform string

const (
	PlatformYouTube Platform = "youtube"
	PlatformTwitch  Platform = "twitch"
)

type Status string

const (
	StatusLive     Status = "live"
	StatusUpcoming Status = "upcoming"
	StatusPast     Status = "past"
)

// StreamHandle identifies one broadcast.
type StreamHandle struct {
	VideoID   string
	Platform  Platform
	Status    Status
	Title     string
	StartedAt time.Time
	Creator   streamers.Streamer
}

// URL is the canonical link used in transcript messages.
func (s StreamHandle) URL() string {
	if s.Platform == PlatformTwitch {
		return "https://www.twitch.tv/" + s.Creator.TwitchLogin
	}
	return "https://youtu.be/" + s.VideoID
}

// Comment is a raw chat message produced by a session.
type Comment struct {
	Timestamp       time.Time
	Author          string
	AuthorChannelID string
	Body            string
}

// RelayedComment is a comment as buffered for one guild.
type RelayedComment struct {
	Timestamp            time.Time
	Author               string
	Body                 string
	SourceChannelID      string
	DestinationChannelID string
}

// LivenessSource reports which streams are currently live.
type LivenessSource interface {
	ListLiveStreams(ctx context.Context) ([]StreamHandle, error)
}

// Sink receives the events of one session run. Implementations of
// SessionSpawner call Comment in arrival order from a single goroutine and
// call Exit exactly once, after the last Comment.
type Sink interface {
	Comment(c Comment)
	Exit(code int)
}

// Session is a running chat scraper. Stop must be safe to call more than once
// and after the session already exited.
type Session interface {
	Stop()
}

// SessionSpawner starts chat sessions.
type SessionSpawner interface {
	Spawn(ctx context.Context, stream StreamHandle, sink Sink) (Session, error)
}

// Permission is a capability the bot may hold in a channel.
type Permission int

const (
	PermCreatePublicThreads Permission = iota
	PermManageMessages
)

// Message identifies a delivered message.
type Message struct {
	ChannelID string
	ID        string
}

// Embed is the rich card attached to notifications.
type Embed struct {
	AuthorName string
	AuthorIcon string
	Thumbnail  string
	Body       string
}

// File is an attachment.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Outgoing is one message to deliver.
type Outgoing struct {
	Content string
	Embed   *Embed
	File    *File
}

// Delivery is the outbound chat-platform client.
type Delivery interface {
	Send(ctx context.Context, channelID string, msg Outgoing) (Message, error)
	// CreateThread starts a public thread rooted at root and returns its channel id.
	CreateThread(ctx context.Context, root Message, name string, autoArchiveMinutes int) (string, error)
	Pin(ctx context.Context, m Message) error
	Unpin(ctx context.Context, m Message) error
	Can(ctx context.Context, channelID string, p Permission) bool
}
