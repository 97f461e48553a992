package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/relaybot/settings"
	"github.com/onnwee/relaybot/telemetry"
)

// Finalizer delivers one transcript per guild when a relay ends and purges per-video state.
type Finalizer struct {
	settings    settings.Store
	delivery    Delivery
	history     *HistoryStore
	notices     *NoticeRegistry
	retries     *RetryRecord
	relayer     *Relayer
	concurrency int
}

func NewFinalizer(store settings.Store, delivery Delivery, history *HistoryStore, notices *NoticeRegistry, retries *RetryRecord, relayer *Relayer, concurrency int) *Finalizer {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Finalizer{
		settings:    store,
		delivery:    delivery,
		history:     history,
		notices:     notices,
		retries:     retries,
		relayer:     relayer,
		concurrency: concurrency,
	}
}

// Finalize drains live deliveries for the stream, takes its buffers and
// notices, and delivers the transcripts. State is purged before delivery, so
// it is gone whether or not delivery succeeds, and a second call finds
// nothing to send.
func (f *Finalizer) Finalize(ctx context.Context, stream StreamHandle) {
	ctx = telemetry.EnsureCorrelation(ctx)
	ctx, span := telemetry.StartSpan(ctx, "relay.finalize", telemetry.VideoAttrs(stream.VideoID, string(stream.Platform))...)
	defer span.End()
	start := time.Now()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "finalizer"), slog.String("video_id", stream.VideoID))

	if f.relayer != nil {
		f.relayer.Close(stream.VideoID)
	}
	histories := f.history.Take(stream.VideoID)
	notices := f.notices.Take(stream.VideoID)
	f.retries.Delete(stream.VideoID)

	if len(histories) == 0 {
		log.Debug("nothing buffered; no transcript")
		return
	}

	var eg errgroup.Group
	eg.SetLimit(f.concurrency)
	for guildID, history := range histories {
		eg.Go(func() error {
			if err := f.deliver(ctx, log, stream, guildID, history, notices[guildID]); err != nil {
				telemetry.DeliveryFailed("transcript")
				telemetry.RecordError(span, err)
				log.Warn("transcript delivery failed", slog.String("guild_id", guildID), slog.Any("err", err))
			}
			return nil
		})
	}
	_ = eg.Wait()

	if telemetry.FinalizeDuration != nil {
		telemetry.FinalizeDuration.Observe(time.Since(start).Seconds())
	}
	log.Info("relay finalized", slog.Int("guilds", len(histories)))
}

func (f *Finalizer) deliver(ctx context.Context, log *slog.Logger, stream StreamHandle, guildID string, history []RelayedComment, notice Notice) error {
	g, err := f.settings.Get(ctx, guildID)
	if err != nil {
		log.Warn("settings unavailable; using defaults", slog.String("guild_id", guildID), slog.Any("err", err))
		g = settings.Defaults(guildID)
	}
	target := resolveTarget(g, notice, history)
	if target == "" {
		return fmt.Errorf("no transcript target for guild %s", guildID)
	}
	tlLog := FormatTranscript(FilterHistory(g, history), stream.StartedAt)
	_, err = f.delivery.Send(ctx, target, Outgoing{
		Content: fmt.Sprintf("Here is this stream's TL log. <%s>", stream.URL()),
		File: &File{
			Name:        stream.VideoID + ".txt",
			ContentType: "text/plain; charset=utf-8",
			Data:        []byte(tlLog),
		},
	})
	if err != nil {
		return fmt.Errorf("send transcript to %s: %w", target, err)
	}
	telemetry.TranscriptDelivered()
	return nil
}
