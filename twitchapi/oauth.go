package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// ChatToken supplies the bot user token for IRC chat. A static token is used
// as is; with a refresh token the access token is renewed through the Twitch
// OAuth endpoint whenever it expires.
type ChatToken struct {
	src    oauth2.TokenSource
	static string
}

// NewStaticChatToken wraps a fixed token such as TWITCH_OAUTH_TOKEN.
func NewStaticChatToken(token string) *ChatToken {
	return &ChatToken{static: strings.TrimPrefix(token, "oauth:")}
}

// NewRefreshingChatToken renews the bot token from refreshToken. hc may be nil.
func NewRefreshingChatToken(ctx context.Context, clientID, clientSecret, refreshToken string, hc *http.Client) (*ChatToken, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return &ChatToken{src: conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})}, nil
}

// IRCPassword returns the token in the "oauth:<token>" form IRC expects.
func (c *ChatToken) IRCPassword() (string, error) {
	if c.src == nil {
		if c.static == "" {
			return "", errors.New("empty twitch chat token")
		}
		return "oauth:" + c.static, nil
	}
	tok, err := c.src.Token()
	if err != nil {
		return "", fmt.Errorf("refresh twitch chat token: %w", err)
	}
	return "oauth:" + tok.AccessToken, nil
}
