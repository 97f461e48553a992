package chatsource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/onnwee/relaybot/relay"
)

// ErrUnsupportedPlatform is returned when no session kind serves a stream's platform.
var ErrUnsupportedPlatform = errors.New("chatsource: unsupported platform")

// Spawner dispatches to a per-platform relay.SessionSpawner.
type Spawner struct {
	byPlatform map[relay.Platform]relay.SessionSpawner
}

// NewSpawner returns an empty Spawner; register platforms with Handle.
func NewSpawner() *Spawner {
	return &Spawner{byPlatform: make(map[relay.Platform]relay.SessionSpawner)}
}

// Handle registers sp for platform p. A nil sp unregisters it.
func (s *Spawner) Handle(p relay.Platform, sp relay.SessionSpawner) *Spawner {
	if sp == nil {
		delete(s.byPlatform, p)
		return s
	}
	s.byPlatform[p] = sp
	return s
}

// Spawn implements relay.SessionSpawner.
func (s *Spawner) Spawn(ctx context.Context, stream relay.StreamHandle, sink relay.Sink) (relay.Session, error) {
	sp, ok := s.byPlatform[stream.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, stream.Platform)
	}
	return sp.Spawn(ctx, stream, sink)
}

// guardedSink serialises calls into a relay.Sink and drops anything after Exit.
type guardedSink struct {
	mu     sync.Mutex
	sink   relay.Sink
	exited bool
}

func (g *guardedSink) comment(c relay.Comment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.exited {
		g.sink.Comment(c)
	}
}

func (g *guardedSink) exit(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exited {
		return
	}
	g.exited = true
	g.sink.Exit(code)
}
