// Package relay is the livechat relay core.
//
// For every live stream a Supervisor owns one chat session spawned through a
// SessionSpawner. Comments from the session are buffered per guild in a
// HistoryStore and relayed live through a per-video worker. When the session
// exits the Supervisor asks the LivenessSource whether the stream is still up:
// a live stream is restarted after RetryDelay, at most MaxRetries times; an
// ended stream is handed to the Finalizer, which delivers one filtered
// transcript per guild and purges every piece of per-video state.
//
// Decisions for one video (retry, notice creation, finalize) are serialized by
// a keyed lock. Different videos never contend.
package relay
