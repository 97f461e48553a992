// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for user id resolution and live stream discovery, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const helixBase = "https://api.twitch.tv/helix"

// helixMaxRetries bounds attempts for 5xx/429 responses. A 401 invalidates the
// app token and grants one extra attempt with a fresh token.
const helixMaxRetries = 3

// helixRetryBase is the first backoff step; it doubles per attempt.
var helixRetryBase = 200 * time.Millisecond

// HelixClient provides the minimal Helix surface needed for live discovery.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

// Stream is one entry of GET /helix/streams.
type Stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	UserName  string    `json:"user_name"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// do performs an authenticated GET and decodes the JSON body into out.
func (hc *HelixClient) do(ctx context.Context, path string, q url.Values, out any) error {
	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= helixMaxRetries || (refreshed && attempt == helixMaxRetries+1); attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBase+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := hc.http().Do(req)
		if err != nil {
			lastErr = err
		} else {
			status := resp.StatusCode
			if status == http.StatusOK {
				err = json.NewDecoder(resp.Body).Decode(out)
				closeBody(resp)
				return err
			}
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			closeBody(resp)
			lastErr = fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
			switch {
			case status == http.StatusUnauthorized && !refreshed:
				hc.AppTokenSource.Invalidate(tok)
				refreshed = true
				continue
			case status == http.StatusTooManyRequests || status >= 500:
			default:
				return lastErr
			}
		}
		if attempt >= helixMaxRetries {
			break
		}
		wait := helixRetryBase << (attempt - 1)
		slog.Debug("helix request retry", slog.String("path", path), slog.Int("attempt", attempt), slog.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.do(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// helixMaxLogins is the per-request cap on user_login filters.
const helixMaxLogins = 100

// GetStreams returns the live streams among logins, batching 100 logins per request.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, errors.New("no logins")
	}
	var out []Stream
	for start := 0; start < len(logins); start += helixMaxLogins {
		end := min(start+helixMaxLogins, len(logins))
		q := url.Values{"user_login": logins[start:end]}
		q.Set("first", "100")
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := hc.do(ctx, "/streams", q, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}
