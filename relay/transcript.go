package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/relaybot/settings"
)

// FilterHistory drops comments from blacklisted channels and comments matching
// a banned pattern. Order is preserved.
func FilterHistory(g settings.GuildSettings, history []RelayedComment) []RelayedComment {
	out := make([]RelayedComment, 0, len(history))
	for _, c := range history {
		if g.IsBlacklisted(c.SourceChannelID) || g.IsBanned(c.Body) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// FormatTranscript renders one "<timestamp> (<author>) <body>" line per comment.
// Timestamps are offsets from start when known, otherwise UTC wall time.
func FormatTranscript(history []RelayedComment, start time.Time) string {
	lines := make([]string, len(history))
	for i, c := range history {
		lines[i] = fmt.Sprintf("%s (%s) %s", formatTimestamp(c.Timestamp, start), c.Author, c.Body)
	}
	return strings.Join(lines, "\n")
}

func formatTimestamp(ts, start time.Time) string {
	if start.IsZero() || ts.Before(start) {
		return ts.UTC().Format(time.TimeOnly)
	}
	d := ts.Sub(start).Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// resolveTarget picks the log channel, then the relay thread, then the channel the comments were relayed to.
func resolveTarget(g settings.GuildSettings, notice Notice, history []RelayedComment) string {
	if g.LogChannel != "" {
		return g.LogChannel
	}
	if notice.ThreadID != "" {
		return notice.ThreadID
	}
	if len(history) > 0 {
		return history[0].DestinationChannelID
	}
	return ""
}
