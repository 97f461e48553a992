package relay

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/onnwee/relaybot/settings"
	"github.com/onnwee/relaybot/streamers"
	"github.com/onnwee/relaybot/telemetry"
)

// State is the lifecycle position of one supervised video.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateCrashed
	StateRetrying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateCrashed:
		return "CRASHED"
	case StateRetrying:
		return "RETRYING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// accepting reports whether comments are still buffered in this state.
func (s State) accepting() bool {
	return s == StateStarting || s == StateRunning || s == StateRetrying
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type session struct {
	stream StreamHandle
	state  State
	gen    uint64
	handle Session
	timer  clockwork.Timer
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	VideoID  string   `json:"video_id"`
	Platform Platform `json:"platform"`
	Streamer string   `json:"streamer"`
	State    State    `json:"state"`
	Attempts int      `json:"attempts"`
}

// Config wires a Supervisor. Settings, Delivery, Liveness and Spawner are required.
type Config struct {
	Settings  settings.Store
	Delivery  Delivery
	Liveness  LivenessSource
	Spawner   SessionSpawner
	Streamers *streamers.Directory
	Clock     clockwork.Clock
	// DeliveryRate caps outbound sends per second; zero means unlimited.
	DeliveryRate float64
	// Concurrency caps parallel per-guild deliveries.
	Concurrency int
}

// Supervisor owns one chat session per live video and decides retry versus finalize when it exits.
type Supervisor struct {
	liveness  LivenessSource
	spawner   SessionSpawner
	clock     clockwork.Clock
	locks     *KeyLock
	history   *HistoryStore
	notices   *NoticeRegistry
	retries   *RetryRecord
	relayer   *Relayer
	finalizer *Finalizer
	disp      *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func New(cfg Config) *Supervisor {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.DeliveryRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DeliveryRate), max(1, int(cfg.DeliveryRate)))
	}
	ctx, cancel := context.WithCancel(context.Background())

	history := NewHistoryStore()
	notices := NewNoticeRegistry()
	retries := NewRetryRecord()
	disp := NewDispatcher(cfg.Settings, cfg.Delivery, notices, clock, limiter, cfg.Concurrency)
	relayer := NewRelayer(ctx, cfg.Settings, disp, history, cfg.Streamers)

	return &Supervisor{
		liveness:  cfg.Liveness,
		spawner:   cfg.Spawner,
		clock:     clock,
		locks:     NewKeyLock(),
		history:   history,
		notices:   notices,
		retries:   retries,
		relayer:   relayer,
		finalizer: NewFinalizer(cfg.Settings, cfg.Delivery, history, notices, retries, relayer, cfg.Concurrency),
		disp:      disp,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}
}

// Dispatcher exposes the fan-out used for non-relay watch features.
func (s *Supervisor) Dispatcher() *Dispatcher { return s.disp }

// History exposes the comment buffers.
func (s *Supervisor) History() *HistoryStore { return s.history }

// Notices exposes the relay notice registry.
func (s *Supervisor) Notices() *NoticeRegistry { return s.notices }

// Retries exposes the crash counters.
func (s *Supervisor) Retries() *RetryRecord { return s.retries }

func (s *Supervisor) logger(videoID string) *slog.Logger {
	return slog.With(slog.String("component", "supervisor"), slog.String("video_id", videoID))
}

// StartSession begins supervising stream. It is a no-op while a session for the video is open.
func (s *Supervisor) StartSession(ctx context.Context, stream StreamHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(stream.VideoID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unlock()
		return ErrShutdown
	}
	if _, ok := s.sessions[stream.VideoID]; ok {
		s.mu.Unlock()
		unlock()
		return nil
	}
	sess := &session{stream: stream, state: StateStarting, gen: 1}
	s.sessions[stream.VideoID] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	unlock()

	telemetry.SetActiveSessions(n)
	s.logger(stream.VideoID).Info("starting relay session",
		slog.String("platform", string(stream.Platform)),
		slog.String("streamer", stream.Creator.Name))
	s.launch(stream.VideoID, 1)
	return nil
}

// launch spawns generation gen of a session. It runs without the per-video
// lock because a spawner may report Exit before Spawn returns.
func (s *Supervisor) launch(videoID string, gen uint64) {
	s.mu.Lock()
	sess, ok := s.sessions[videoID]
	if !ok || sess.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	stream := sess.stream
	s.mu.Unlock()

	handle, err := s.spawner.Spawn(s.ctx, stream, &sink{sup: s, videoID: videoID, gen: gen})
	if err != nil {
		s.logger(videoID).Warn("session spawn failed", slog.Any("err", err))
		s.onExit(videoID, gen, -1)
		return
	}
	telemetry.SessionStarted()

	unlock := s.locks.Lock(videoID)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok = s.sessions[videoID]
	switch {
	case s.closed || !ok || sess.gen != gen:
		handle.Stop()
	case sess.state == StateStarting:
		sess.handle = handle
		sess.state = StateRunning
	}
}

// OnSessionExit reports that the current session of videoID terminated.
func (s *Supervisor) OnSessionExit(videoID string, exitCode int) {
	s.mu.Lock()
	sess, ok := s.sessions[videoID]
	var gen uint64
	if ok {
		gen = sess.gen
	}
	s.mu.Unlock()
	if ok {
		s.onExit(videoID, gen, exitCode)
	}
}

func (s *Supervisor) onExit(videoID string, gen uint64, exitCode int) {
	unlock := s.locks.Lock(videoID)
	defer unlock()
	log := s.logger(videoID)

	s.mu.Lock()
	sess, ok := s.sessions[videoID]
	if s.closed || !ok || sess.gen != gen || (sess.state != StateStarting && sess.state != StateRunning) {
		s.mu.Unlock()
		log.Debug("ignoring stale session exit", slog.Int("exit_code", exitCode))
		return
	}
	sess.state = StateCrashed
	sess.handle = nil
	stream := sess.stream
	s.mu.Unlock()

	// A clean exit is not a crash: it clears the streak instead of extending it.
	attempts := 0
	if exitCode == 0 {
		s.retries.Delete(videoID)
	} else {
		attempts = s.retries.Increment(videoID)
	}
	live := s.stillLive(videoID)

	if live && attempts <= MaxRetries {
		s.mu.Lock()
		sess.state = StateRetrying
		sess.timer = s.clock.AfterFunc(RetryDelay, func() { s.restart(videoID, gen) })
		s.mu.Unlock()
		telemetry.RetryScheduled()
		log.Info("session exited while live; restart scheduled",
			slog.Int("exit_code", exitCode),
			slog.Int("attempt", attempts),
			slog.Duration("delay", RetryDelay))
		return
	}

	s.mu.Lock()
	sess.state = StateClosing
	s.mu.Unlock()
	s.retries.Delete(videoID)
	log.Info("relay closing",
		slog.String("status", string(stream.Status)),
		slog.Int("exit_code", exitCode),
		slog.Bool("still_live", live),
		slog.Int("attempts", attempts))

	s.finalizer.Finalize(s.ctx, stream)
	telemetry.SessionFinalized()

	s.mu.Lock()
	sess.state = StateClosed
	delete(s.sessions, videoID)
	n := len(s.sessions)
	s.mu.Unlock()
	telemetry.SetActiveSessions(n)
}

// stillLive treats a liveness query failure as live; the attempt cap bounds the damage.
func (s *Supervisor) stillLive(videoID string) bool {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	streams, err := s.liveness.ListLiveStreams(ctx)
	if err != nil {
		s.logger(videoID).Warn("liveness query failed; assuming still live", slog.Any("err", err))
		return true
	}
	return slices.ContainsFunc(streams, func(st StreamHandle) bool { return st.VideoID == videoID })
}

// restart fires from the retry timer. A timer whose session moved on is a no-op.
func (s *Supervisor) restart(videoID string, gen uint64) {
	unlock := s.locks.Lock(videoID)
	s.mu.Lock()
	sess, ok := s.sessions[videoID]
	if s.closed || !ok || sess.gen != gen || sess.state != StateRetrying {
		s.mu.Unlock()
		unlock()
		return
	}
	sess.gen++
	sess.state = StateStarting
	sess.timer = nil
	next := sess.gen
	s.mu.Unlock()
	unlock()

	s.logger(videoID).Info("restarting relay session", slog.Int("attempt", s.retries.Get(videoID)))
	s.launch(videoID, next)
}

// HandleIncomingComment buffers and relays a comment for an open session.
// Comments for unknown or closing videos are dropped.
func (s *Supervisor) HandleIncomingComment(ctx context.Context, videoID string, c Comment) {
	s.acceptComment(ctx, videoID, 0, c)
}

// acceptComment runs under the per-video lock so a comment cannot land between
// finalize taking the buffers and the session being discarded. gen 0 matches
// any generation.
func (s *Supervisor) acceptComment(ctx context.Context, videoID string, gen uint64, c Comment) {
	unlock := s.locks.Lock(videoID)
	defer unlock()

	s.mu.Lock()
	sess, ok := s.sessions[videoID]
	accept := ok && !s.closed && (gen == 0 || sess.gen == gen) && sess.state.accepting()
	var stream StreamHandle
	if accept {
		stream = sess.stream
	}
	s.mu.Unlock()
	if !accept {
		return
	}
	s.handleComment(ctx, stream, c)
}

func (s *Supervisor) handleComment(ctx context.Context, stream StreamHandle, c Comment) {
	if err := s.relayer.HandleComment(ctx, stream, c); err != nil {
		s.logger(stream.VideoID).Warn("comment dropped", slog.Any("err", err))
	}
}

// Snapshot lists open sessions sorted by video id.
func (s *Supervisor) Snapshot() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, SessionInfo{
			VideoID:  id,
			Platform: sess.stream.Platform,
			Streamer: sess.stream.Creator.Name,
			State:    sess.state,
		})
	}
	s.mu.Unlock()
	for i := range out {
		out[i].Attempts = s.retries.Get(out[i].VideoID)
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		switch {
		case a.VideoID < b.VideoID:
			return -1
		case a.VideoID > b.VideoID:
			return 1
		}
		return 0
	})
	return out
}

// Active reports whether videoID has an open session.
func (s *Supervisor) Active(videoID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[videoID]
	return ok
}

// Shutdown stops retry timers and sessions. Exits reported afterwards are ignored.
// Buffered histories are not finalized.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var handles []Session
	for _, sess := range s.sessions {
		if sess.timer != nil {
			sess.timer.Stop()
		}
		if sess.handle != nil {
			handles = append(handles, sess.handle)
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	s.disp.Stop()
	s.cancel()
	s.relayer.CloseAll()
}

// sink binds session events to one generation so exits from a replaced run are ignored.
type sink struct {
	sup     *Supervisor
	videoID string
	gen     uint64
}

func (k *sink) Comment(c Comment) { k.sup.acceptComment(k.sup.ctx, k.videoID, k.gen, c) }

func (k *sink) Exit(code int) { k.sup.onExit(k.videoID, k.gen, code) }
