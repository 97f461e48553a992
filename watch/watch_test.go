package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/relaybot/relay"
	"github.com/onnwee/relaybot/settings"
	"github.com/onnwee/relaybot/streamers"
)

type fakeSource struct {
	mu      sync.Mutex
	streams []relay.StreamHandle
	err     error
}

func (f *fakeSource) ListLiveStreams(context.Context) ([]relay.StreamHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.StreamHandle(nil), f.streams...), f.err
}

func (f *fakeSource) set(err error, streams ...relay.StreamHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams, f.err = streams, err
}

type recorder struct {
	mu       sync.Mutex
	started  []string
	notified []relay.NotifyOptions
}

func (r *recorder) StartSession(_ context.Context, s relay.StreamHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s.VideoID)
	return nil
}

func (r *recorder) Notify(_ context.Context, o relay.NotifyOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, o)
	return nil
}

func (r *recorder) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

var pekora = streamers.Streamer{Name: "Pekora", YouTubeID: "UCpekora", TwitchLogin: "pekora_ch"}

func yt(id string) relay.StreamHandle {
	return relay.StreamHandle{VideoID: id, Platform: relay.PlatformYouTube, Status: relay.StatusLive, Creator: pekora}
}

func tw(id string) relay.StreamHandle {
	return relay.StreamHandle{VideoID: id, Platform: relay.PlatformTwitch, Status: relay.StatusLive, Creator: pekora}
}

func TestPollStartsEachStreamOnce(t *testing.T) {
	ytSrc, twSrc := &fakeSource{}, &fakeSource{}
	ytSrc.set(nil, yt("V1"))
	twSrc.set(nil, tw("T1"))
	rec := &recorder{}
	p := &Poller{Sources: []relay.LivenessSource{ytSrc, twSrc}, Sessions: rec, Notifier: rec}

	p.Poll(context.Background())
	p.Poll(context.Background())

	assert.Equal(t, []string{"V1", "T1"}, rec.startedIDs())
	require.Len(t, rec.notified, 1, "only YouTube streams get a live notice")
	n := rec.notified[0]
	assert.Equal(t, settings.FeatureYouTube, n.Feature)
	assert.Equal(t, "V1", n.VideoID)
	assert.Equal(t, "I am live on YouTube!\nhttps://youtu.be/V1", n.EmbedBody)
	assert.Equal(t, 2, p.Seen())
}

func TestPollForgetsEndedStreams(t *testing.T) {
	src := &fakeSource{}
	src.set(nil, yt("V1"))
	rec := &recorder{}
	p := &Poller{Sources: []relay.LivenessSource{src}, Sessions: rec}

	p.Poll(context.Background())
	src.set(nil)
	p.Poll(context.Background())
	assert.Equal(t, 0, p.Seen())

	src.set(nil, yt("V1"))
	p.Poll(context.Background())
	assert.Equal(t, []string{"V1", "V1"}, rec.startedIDs())
}

func TestPollKeepsStateWhenSourceFails(t *testing.T) {
	ytSrc, twSrc := &fakeSource{}, &fakeSource{}
	ytSrc.set(nil, yt("V1"))
	twSrc.set(nil, tw("T1"))
	rec := &recorder{}
	p := &Poller{Sources: []relay.LivenessSource{ytSrc, twSrc}, Sessions: rec}
	p.Poll(context.Background())

	ytSrc.set(errors.New("quota exceeded"))
	twSrc.set(nil)
	p.Poll(context.Background())

	assert.Equal(t, 1, p.Seen(), "V1 kept while its source is failing; T1 forgotten")
}

func TestPollSkipsNonLive(t *testing.T) {
	src := &fakeSource{}
	up := yt("V9")
	up.Status = relay.StatusUpcoming
	src.set(nil, up)
	rec := &recorder{}
	(&Poller{Sources: []relay.LivenessSource{src}, Sessions: rec}).Poll(context.Background())
	assert.Empty(t, rec.startedIDs())
}

func TestRunPollsOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClock()
	src := &fakeSource{}
	src.set(nil, yt("V1"))
	rec := &recorder{}
	p := &Poller{Sources: []relay.LivenessSource{src}, Sessions: rec, Interval: time.Minute, Clock: clock}

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(rec.startedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	src.set(nil, yt("V1"), yt("V2"))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(rec.startedIDs()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSourcesMergesAndJoinsErrors(t *testing.T) {
	ok, bad := &fakeSource{}, &fakeSource{}
	ok.set(nil, yt("V1"))
	boom := errors.New("boom")
	bad.set(boom)

	got, err := Sources{ok, bad}.ListLiveStreams(context.Background())
	assert.ErrorIs(t, err, boom)
	require.Len(t, got, 1)
	assert.Equal(t, "V1", got[0].VideoID)

	got, err = Sources{ok}.ListLiveStreams(context.Background())
	assert.NoError(t, err)
	assert.Len(t, got, 1)
}
