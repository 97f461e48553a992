package chatsource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/relaybot/relay"
)

// maxLineBytes caps one scraper output line.
const maxLineBytes = 1 << 20

// scraperLine is one comment printed by the scraper on stdout.
type scraperLine struct {
	Timestamp       time.Time `json:"timestamp"`
	Author          string    `json:"author"`
	AuthorChannelID string    `json:"authorChannelId"`
	Body            string    `json:"body"`
}

// ExecSpawner runs Command with the video id appended, one process per stream.
type ExecSpawner struct {
	// Command is the scraper invocation, e.g. "python3 scraper.py".
	Command string
}

// Spawn implements relay.SessionSpawner. The process is not bound to ctx;
// it lives until it exits or the session is stopped.
func (e *ExecSpawner) Spawn(_ context.Context, stream relay.StreamHandle, sink relay.Sink) (relay.Session, error) {
	fields := strings.Fields(e.Command)
	if len(fields) == 0 {
		return nil, errors.New("exec session: empty scraper command")
	}
	cmd := exec.Command(fields[0], append(fields[1:], stream.VideoID)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("exec session %s: %w", stream.VideoID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec session %s: start: %w", stream.VideoID, err)
	}

	logger := slog.With(slog.String("component", "chatsource"), slog.String("video_id", stream.VideoID))
	sess := &execSession{cmd: cmd}
	go func() {
		readLines(stdout, sink, logger)
		code := 0
		if err := cmd.Wait(); err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				code = ee.ExitCode()
			} else {
				code = -1
			}
		}
		sink.Exit(code)
	}()
	return sess, nil
}

// readLines decodes scraper output until EOF. Malformed and oversized lines are skipped.
func readLines(r io.Reader, sink relay.Sink, logger *slog.Logger) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, tooLong, err := nextLine(br, maxLineBytes)
		switch {
		case tooLong:
			logger.Warn("skip oversized scraper line", slog.Int("max_bytes", maxLineBytes))
		case len(bytes.TrimSpace(line)) > 0:
			decodeLine(line, sink, logger)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("scraper output read failed", slog.Any("err", err))
				// Drain so the process is not blocked on a full pipe.
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
	}
}

// nextLine returns the next newline-terminated line. A line longer than limit
// is consumed in full but not returned; tooLong reports it.
func nextLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		frag, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(frag) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, frag...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, tooLong, err
	}
}

func decodeLine(line []byte, sink relay.Sink, logger *slog.Logger) {
	var l scraperLine
	if err := json.Unmarshal(line, &l); err != nil {
		logger.Debug("skip malformed scraper line", slog.Any("err", err))
		return
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	sink.Comment(relay.Comment{
		Timestamp:       l.Timestamp.UTC(),
		Author:          l.Author,
		AuthorChannelID: l.AuthorChannelID,
		Body:            l.Body,
	})
}

type execSession struct {
	cmd  *exec.Cmd
	once sync.Once
}

// Stop kills the scraper; the sink sees its exit.
func (s *execSession) Stop() {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
}
