package relay

import (
	"context"
	"sync"
)

// Notice is the relay announcement posted for one (video, guild) pair.
type Notice struct {
	ChannelID string
	MessageID string
	ThreadID  string
}

// NoticeRegistry guarantees at most one announcement per (video, guild).
type NoticeRegistry struct {
	locks *KeyLock

	mu      sync.Mutex
	notices map[string]map[string]Notice
}

func NewNoticeRegistry() *NoticeRegistry {
	return &NoticeRegistry{locks: NewKeyLock(), notices: make(map[string]map[string]Notice)}
}

// Ensure returns the notice for (videoID, guildID), calling announce to create
// it when absent. The notice is recorded only when announce succeeds, so a
// failed announcement is retried by the next caller. created reports whether
// this call performed the announcement.
func (r *NoticeRegistry) Ensure(
	ctx context.Context, videoID, guildID string,
	announce func(context.Context) (Notice, error),
) (n Notice, created bool, err error) {
	unlock := r.locks.Lock(videoID + "/" + guildID)
	defer unlock()

	if n, ok := r.Get(videoID, guildID); ok {
		return n, false, nil
	}
	n, err = announce(ctx)
	if err != nil {
		return Notice{}, false, err
	}
	r.mu.Lock()
	g, ok := r.notices[videoID]
	if !ok {
		g = make(map[string]Notice)
		r.notices[videoID] = g
	}
	g[guildID] = n
	r.mu.Unlock()
	return n, true, nil
}

func (r *NoticeRegistry) Get(videoID, guildID string) (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notices[videoID][guildID]
	return n, ok
}

// Take removes and returns every notice of videoID.
func (r *NoticeRegistry) Take(videoID string) map[string]Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.notices[videoID]
	delete(r.notices, videoID)
	return g
}

// Has reports whether any notice exists for videoID.
func (r *NoticeRegistry) Has(videoID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.notices[videoID]
	return ok
}
