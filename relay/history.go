package relay

import (
	"slices"
	"sync"
)

// HistoryStore buffers relayed comments per video and guild in arrival order.
type HistoryStore struct {
	mu     sync.Mutex
	videos map[string]map[string][]RelayedComment
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{videos: make(map[string]map[string][]RelayedComment)}
}

// Append adds c to the end of the (videoID, guildID) sequence.
func (h *HistoryStore) Append(videoID, guildID string, c RelayedComment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.videos[videoID]
	if !ok {
		g = make(map[string][]RelayedComment)
		h.videos[videoID] = g
	}
	g[guildID] = append(g[guildID], c)
}

// Get returns a copy of the buffered sequence; nil means nothing buffered yet.
func (h *HistoryStore) Get(videoID, guildID string) []RelayedComment {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.videos[videoID][guildID])
}

// Guilds lists the guilds holding a buffer for videoID, sorted.
func (h *HistoryStore) Guilds(videoID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.videos[videoID]))
	for id := range h.videos[videoID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Take removes every guild buffer of videoID in one step and returns them.
// A second Take for the same video returns nil.
func (h *HistoryStore) Take(videoID string) map[string][]RelayedComment {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := h.videos[videoID]
	delete(h.videos, videoID)
	return g
}

// Has reports whether anything is buffered for videoID.
func (h *HistoryStore) Has(videoID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.videos[videoID]
	return ok
}
