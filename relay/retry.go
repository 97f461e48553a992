package relay

import (
	"sync"
	"time"
)

const (
	// MaxRetries is the number of restarts allowed per video. The exit that
	// pushes the attempt count past it finalizes the relay.
	MaxRetries = 5
	// RetryDelay is the fixed wait between a crash decision and the restart.
	RetryDelay = 5 * time.Second
)

// RetryRecord counts crashes per video.
type RetryRecord struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewRetryRecord() *RetryRecord { return &RetryRecord{counts: make(map[string]int)} }

// Increment records one more crash and returns the new count.
func (r *RetryRecord) Increment(videoID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[videoID]++
	return r.counts[videoID]
}

// Get returns the current count, zero when absent.
func (r *RetryRecord) Get(videoID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[videoID]
}

// Has reports whether a record exists for videoID.
func (r *RetryRecord) Has(videoID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.counts[videoID]
	return ok
}

func (r *RetryRecord) Delete(videoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, videoID)
}
