package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/relaybot/settings"
	"github.com/onnwee/relaybot/streamers"
)

var pekora = streamers.Streamer{Name: "Pekora", YouTubeID: "UCpeko", Picture: "https://example.com/peko.png"}

type harness struct {
	sup      *Supervisor
	clock    *clockwork.FakeClock
	store    *settings.MemoryStore
	delivery *fakeDelivery
	liveness *fakeLiveness
	spawner  *fakeSpawner
}

func newHarness(t *testing.T, dir *streamers.Directory, guilds ...settings.GuildSettings) *harness {
	t.Helper()
	h := &harness{
		clock:    clockwork.NewFakeClock(),
		store:    settings.NewMemoryStore(),
		delivery: newFakeDelivery(),
		liveness: newFakeLiveness(),
		spawner:  &fakeSpawner{},
	}
	seed(h.store, guilds...)
	h.sup = New(Config{
		Settings:  h.store,
		Delivery:  h.delivery,
		Liveness:  h.liveness,
		Spawner:   h.spawner,
		Streamers: dir,
		Clock:     h.clock,
	})
	t.Cleanup(h.sup.Shutdown)
	return h
}

func stream(id string) StreamHandle {
	return StreamHandle{VideoID: id, Platform: PlatformYouTube, Status: StatusLive, Creator: pekora}
}

func (h *harness) state(t *testing.T, videoID string) State {
	t.Helper()
	for _, s := range h.sup.Snapshot() {
		if s.VideoID == videoID {
			return s.State
		}
	}
	return StateClosed
}

// fireRetry waits for the retry timer, advances past it and waits for the respawn.
func (h *harness) fireRetry(t *testing.T, wantSpawns int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(RetryDelay)
	require.Eventually(t, func() bool { return h.spawner.count() == wantSpawns }, time.Second, 5*time.Millisecond)
}

func TestRetriesFiveTimesThenFinalizes(t *testing.T) {
	h := newHarness(t, nil, relayGuild("G1", "Pekora", "c1"))
	h.liveness.set("V1", true)
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))
	require.Equal(t, 1, h.spawner.count())
	h.spawner.last().Comment(Comment{Author: "a", Body: "hello"})

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		h.spawner.last().Exit(1)
		assert.Equal(t, StateRetrying, h.state(t, "V1"), "attempt %d", attempt)
		assert.Equal(t, attempt, h.sup.Retries().Get("V1"))
		assert.Empty(t, h.delivery.files(), "no transcript while retrying")
		h.fireRetry(t, attempt+1)
	}

	h.spawner.last().Exit(1)

	assert.False(t, h.sup.Active("V1"))
	assert.False(t, h.sup.Retries().Has("V1"))
	assert.False(t, h.sup.History().Has("V1"))
	assert.False(t, h.sup.Notices().Has("V1"))
	files := h.delivery.files()
	require.Len(t, files, 1)
	assert.Equal(t, "V1.txt", files[0].Msg.File.Name)
	assert.Equal(t, 1+MaxRetries, h.spawner.count())
}

func TestNotLiveFinalizesOnFirstExit(t *testing.T) {
	h := newHarness(t, nil, relayGuild("G1", "Pekora", "c1"))
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))
	h.spawner.last().Comment(Comment{Author: "a", Body: "hi"})

	h.spawner.last().Exit(0)

	assert.False(t, h.sup.Active("V1"))
	assert.False(t, h.sup.Retries().Has("V1"))
	assert.Len(t, h.delivery.files(), 1)
	assert.Equal(t, 1, h.spawner.count())
}

func TestNotLiveFinalizesRegardlessOfAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.liveness.set("V1", true)
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))

	h.spawner.last().Exit(1)
	h.fireRetry(t, 2)
	h.spawner.last().Exit(1)
	h.fireRetry(t, 3)
	require.Equal(t, 2, h.sup.Retries().Get("V1"))

	h.liveness.set("V1", false)
	h.spawner.last().Exit(1)
	assert.False(t, h.sup.Active("V1"))
	assert.False(t, h.sup.Retries().Has("V1"))
}

func TestRestartScheduledFiveSecondsLater(t *testing.T) {
	h := newHarness(t, nil, relayGuild("G1", "Pekora", "c1"))
	h.liveness.set("V2", true)
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V2")))

	h.spawner.last().Exit(1)
	assert.Equal(t, 1, h.sup.Retries().Get("V2"))
	assert.Equal(t, StateRetrying, h.state(t, "V2"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(RetryDelay - time.Millisecond)
	assert.Equal(t, 1, h.spawner.count(), "restart must wait the full delay")
	assert.Empty(t, h.delivery.files(), "no finalize while retrying")

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return h.spawner.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.state(t, "V2") == StateRunning }, time.Second, 5*time.Millisecond)
}

func TestSecondExitIsIgnored(t *testing.T) {
	h := newHarness(t, nil, relayGuild("G1", "Pekora", "c1"))
	h.liveness.set("V1", true)
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))
	sink := h.spawner.last()

	sink.Exit(1)
	sink.Exit(1)
	h.sup.OnSessionExit("V1", 1)

	assert.Equal(t, 1, h.sup.Retries().Get("V1"))
	assert.Equal(t, StateRetrying, h.state(t, "V1"))
}

func TestCleanExitWhileLiveResetsRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.liveness.set("V1", true)
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))

	h.spawner.last().Exit(1)
	h.fireRetry(t, 2)
	h.spawner.last().Exit(1)
	h.fireRetry(t, 3)
	require.Equal(t, 2, h.sup.Retries().Get("V1"))

	h.spawner.last().Exit(0)
	assert.False(t, h.sup.Retries().Has("V1"), "clean exit deletes the retry record")
	assert.Equal(t, StateRetrying, h.state(t, "V1"), "still live, so the session restarts")
	h.fireRetry(t, 4)

	h.spawner.last().Exit(1)
	assert.Equal(t, 1, h.sup.Retries().Get("V1"), "a new crash streak starts at one")
}

func TestConcurrentExitsFinalizeOnce(t *testing.T) {
	h := newHarness(t, nil, relayGuild("G1", "Pekora", "c1"))
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))
	sink := h.spawner.last()
	sink.Comment(Comment{Author: "a", Body: "hi"})

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			sink.Exit(0)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Len(t, h.delivery.files(), 1)
}

func TestStaleTimerIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.liveness.set("V1", true)
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))
	h.spawner.last().Exit(1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))

	// Simulates a timer that outlived its session.
	h.sup.restart("V1", 99)
	h.sup.restart("V9", 1)
	assert.Equal(t, 1, h.spawner.count())
	assert.Equal(t, StateRetrying, h.state(t, "V1"))
}

func TestLivenessErrorCountsAsLive(t *testing.T) {
	h := newHarness(t, nil)
	h.liveness.err = errors.New("quota")
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))

	h.spawner.last().Exit(1)
	assert.Equal(t, StateRetrying, h.state(t, "V1"))
}

func TestSpawnFailureIsAnExit(t *testing.T) {
	h := newHarness(t, nil)
	h.spawner.failNext = 1
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))

	// Not live: the failed spawn finalizes straight away.
	assert.False(t, h.sup.Active("V1"))
	assert.Equal(t, 0, h.spawner.count())

	h.liveness.set("V2", true)
	h.spawner.failNext = 1
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V2")))
	assert.Equal(t, StateRetrying, h.state(t, "V2"))
	assert.Equal(t, 1, h.sup.Retries().Get("V2"))
	h.fireRetry(t, 1)
}

func TestStartSessionIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.sup.StartSession(ctx, stream("V1")))
	require.NoError(t, h.sup.StartSession(ctx, stream("V1")))
	assert.Equal(t, 1, h.spawner.count())

	// After finalize the id starts fresh.
	h.spawner.last().Exit(0)
	require.NoError(t, h.sup.StartSession(ctx, stream("V1")))
	assert.Equal(t, 2, h.spawner.count())
	assert.Equal(t, 0, h.sup.Retries().Get("V1"))
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, nil)
	h.liveness.set("V1", true)
	ctx := context.Background()
	require.NoError(t, h.sup.StartSession(ctx, stream("V1")))
	require.NoError(t, h.sup.StartSession(ctx, stream("V2")))
	h.spawner.sinks[0].Exit(1)
	require.Equal(t, StateRetrying, h.state(t, "V1"))

	h.sup.Shutdown()

	assert.ErrorIs(t, h.sup.StartSession(ctx, stream("V3")), ErrShutdown)
	assert.Equal(t, 1, h.spawner.sessions[1].stopped)
	h.spawner.sinks[1].Exit(0)
	assert.True(t, h.sup.Active("V2"), "exits after shutdown are ignored")

	h.clock.Advance(RetryDelay)
	assert.Never(t, func() bool { return h.spawner.count() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestV1Example(t *testing.T) {
	g1 := relayGuild("G1", "Pekora", "c1")
	g1.CustomBannedPatterns = []string{"SPOILER"}
	g2 := relayGuild("G2", "Miko", "c2")
	h := newHarness(t, nil, g1, g2)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := stream("V1")
	s.StartedAt = start
	require.NoError(t, h.sup.StartSession(context.Background(), s))

	sink := h.spawner.last()
	sink.Comment(Comment{Timestamp: start.Add(5 * time.Second), Author: "tl1", AuthorChannelID: "UCa", Body: "[EN] hello"})
	sink.Comment(Comment{Timestamp: start.Add(65 * time.Second), Author: "tl2", AuthorChannelID: "UCb", Body: "[EN] spoiler alert"})
	sink.Comment(Comment{Timestamp: start.Add(3725 * time.Second), Author: "tl1", AuthorChannelID: "UCa", Body: "[EN] bye"})

	assert.Len(t, h.sup.History().Get("V1", "G1"), 3)
	assert.Empty(t, h.sup.History().Get("V1", "G2"))

	sink.Exit(0)

	files := h.delivery.files()
	require.Len(t, files, 1)
	f := files[0]
	assert.Equal(t, "c1", f.ChannelID)
	assert.Equal(t, "V1.txt", f.Msg.File.Name)
	assert.Equal(t, "Here is this stream's TL log. <https://youtu.be/V1>", f.Msg.Content)
	assert.Equal(t, []string{
		"0:00:05 (tl1) [EN] hello",
		"1:02:05 (tl1) [EN] bye",
	}, lines(string(f.Msg.File.Data)))
	assert.Empty(t, h.delivery.sentTo("c2"))
}

func TestLiveRelayOrderAndFilters(t *testing.T) {
	g1 := relayGuild("G1", "Pekora", "c1")
	g1.Blacklist = []settings.BlacklistItem{{YtID: "UCspam"}}
	h := newHarness(t, nil, g1)
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))

	sink := h.spawner.last()
	for _, body := range []string{"one", "two", "three"} {
		sink.Comment(Comment{Author: "tl", AuthorChannelID: "UCtl", Body: body})
	}
	sink.Comment(Comment{Author: "spammer", AuthorChannelID: "UCspam", Body: "buy"})
	sink.Exit(0)

	var live []string
	for _, s := range h.delivery.sentTo("c1") {
		if s.Msg.Embed == nil && s.Msg.File == nil {
			live = append(live, s.Msg.Content)
		}
	}
	assert.Equal(t, []string{
		":speech_balloon: **tl:** `one`",
		":speech_balloon: **tl:** `two`",
		":speech_balloon: **tl:** `three`",
	}, live)

	// One announcement for the whole session.
	var notices int
	for _, s := range h.delivery.sentTo("c1") {
		if s.Msg.Embed != nil {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
}

func TestLiveRelayUsesThreadWhenEnabled(t *testing.T) {
	g1 := relayGuild("G1", "Pekora", "c1")
	g1.Threads = true
	h := newHarness(t, nil, g1)
	h.delivery.perms[PermCreatePublicThreads] = true
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))

	sink := h.spawner.last()
	sink.Comment(Comment{Author: "tl", Body: "hi"})
	sink.Exit(0)

	require.Len(t, h.delivery.threads, 1)
	threadID := "thread-m1"
	assert.Len(t, h.delivery.sentTo(threadID), 2, "live comment and transcript go to the thread")
	files := h.delivery.files()
	require.Len(t, files, 1)
	assert.Equal(t, threadID, files[0].ChannelID)
}

func TestCameoNotification(t *testing.T) {
	dir, err := streamers.NewDirectory([]streamers.Streamer{pekora, {Name: "Miko", YouTubeID: "UCmiko"}})
	require.NoError(t, err)
	cam := settings.Defaults("G3")
	cam.Cameos = []settings.WatchEntry{{Streamer: "Miko", ChannelID: "cam", RoleToNotify: "r1"}}
	h := newHarness(t, dir, cam)
	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))

	sink := h.spawner.last()
	sink.Comment(Comment{Author: "Miko", AuthorChannelID: "UCmiko", Body: "nye"})
	sink.Comment(Comment{Author: "Pekora", AuthorChannelID: "UCpeko", Body: "peko"})
	sink.Exit(0)

	got := h.delivery.sentTo("cam")
	require.Len(t, got, 1)
	assert.Equal(t, ":eyes: <@&r1> ", got[0].Msg.Content)
	assert.Contains(t, got[0].Msg.Embed.Body, "nye")
	assert.Empty(t, h.delivery.files(), "no relay guilds, no transcript")
}

func TestHandleIncomingCommentUnknownVideo(t *testing.T) {
	h := newHarness(t, nil, relayGuild("G1", "Pekora", "c1"))
	h.sup.HandleIncomingComment(context.Background(), "nope", Comment{Body: "x"})
	assert.False(t, h.sup.History().Has("nope"))

	require.NoError(t, h.sup.StartSession(context.Background(), stream("V1")))
	h.sup.HandleIncomingComment(context.Background(), "V1", Comment{Body: "x"})
	assert.Len(t, h.sup.History().Get("V1", "G1"), 1)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RETRYING", StateRetrying.String())
	b, err := StateClosing.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "CLOSING", string(b))
}

// gatedDelivery holds transcript uploads until release is closed.
type gatedDelivery struct {
	*fakeDelivery
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDelivery) Send(ctx context.Context, channelID string, msg Outgoing) (Message, error) {
	if msg.File != nil {
		select {
		case d.entered <- struct{}{}:
		default:
		}
		<-d.release
	}
	return d.fakeDelivery.Send(ctx, channelID, msg)
}

func TestCommentDuringFinalizeDoesNotLeakIntoNextRelay(t *testing.T) {
	store := settings.NewMemoryStore()
	seed(store, relayGuild("G1", "Pekora", "c1"))
	gd := &gatedDelivery{fakeDelivery: newFakeDelivery(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	spawner := &fakeSpawner{}
	sup := New(Config{
		Settings: store,
		Delivery: gd,
		Liveness: newFakeLiveness(),
		Spawner:  spawner,
		Clock:    clockwork.NewFakeClock(),
	})
	t.Cleanup(sup.Shutdown)

	require.NoError(t, sup.StartSession(context.Background(), stream("V1")))
	spawner.last().Comment(Comment{Author: "a", Body: "before"})

	exited := make(chan struct{})
	go func() {
		spawner.last().Exit(0)
		close(exited)
	}()
	select {
	case <-gd.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("transcript send never started")
	}

	late := make(chan struct{})
	go func() {
		sup.HandleIncomingComment(context.Background(), "V1", Comment{Author: "late", Body: "late"})
		close(late)
	}()
	close(gd.release)
	<-exited
	<-late

	assert.False(t, sup.History().Has("V1"))
	sup.relayer.mu.Lock()
	assert.Empty(t, sup.relayer.workers)
	sup.relayer.mu.Unlock()

	require.NoError(t, sup.StartSession(context.Background(), stream("V1")))
	spawner.last().Comment(Comment{Author: "b", Body: "fresh"})
	spawner.last().Exit(0)

	files := gd.files()
	require.Len(t, files, 2)
	second := string(files[1].Msg.File.Data)
	assert.Contains(t, second, "fresh")
	assert.NotContains(t, second, "late")
	assert.NotContains(t, second, "before")
}
