// Package chatsource starts live chat sessions for relay supervision.
//
// Two session kinds are provided:
//   - TwitchSpawner joins the streamer's channel over Twitch IRC and reports
//     every private message. Twitch chat never closes by itself, so the session
//     watches the liveness source and ends once the stream is no longer live.
//   - ExecSpawner runs an external scraper (CHAT_SCRAPER_CMD <videoId>) that
//     prints one JSON comment per line and exits when the stream ends.
//
// Spawner routes a stream to the right implementation by platform.
package chatsource
