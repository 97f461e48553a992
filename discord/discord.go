// Package discord delivers relay output to Discord channels and threads.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/relaybot/relay"
)

// api is the subset of *discordgo.Session the client uses.
type api interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessagePin(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessageUnpin(channelID, messageID string, options ...discordgo.RequestOption) error
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

// Client implements relay.Delivery over a bot session.
type Client struct {
	api    api
	botID  string
	closer func() error
	ready  func() bool
}

// Open connects the bot gateway with token.
func Open(token string) (*Client, error) {
	if token == "" {
		return nil, errors.New("discord: empty token")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	slog.Info("discord gateway connected", slog.String("component", "discord"), slog.String("bot_id", botID))
	return &Client{api: s, botID: botID, closer: s.Close, ready: func() bool { return s.DataReady }}, nil
}

// Close disconnects the gateway.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// Ready is a readiness probe: it fails while the gateway is disconnected.
func (c *Client) Ready(context.Context) error {
	if c.ready != nil && !c.ready() {
		return errors.New("discord gateway not connected")
	}
	return nil
}

// Send implements relay.Delivery.
func (c *Client) Send(ctx context.Context, channelID string, msg relay.Outgoing) (relay.Message, error) {
	data := &discordgo.MessageSend{Content: msg.Content}
	if e := msg.Embed; e != nil {
		embed := &discordgo.MessageEmbed{Description: e.Body}
		if e.AuthorName != "" {
			embed.Author = &discordgo.MessageEmbedAuthor{Name: e.AuthorName, IconURL: e.AuthorIcon}
		}
		if e.Thumbnail != "" {
			embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.Thumbnail}
		}
		data.Embeds = []*discordgo.MessageEmbed{embed}
	}
	if f := msg.File; f != nil {
		data.Files = []*discordgo.File{{Name: f.Name, ContentType: f.ContentType, Reader: bytes.NewReader(f.Data)}}
	}
	m, err := c.api.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return relay.Message{}, fmt.Errorf("discord send to %s: %w", channelID, err)
	}
	return relay.Message{ChannelID: m.ChannelID, ID: m.ID}, nil
}

// CreateThread implements relay.Delivery.
func (c *Client) CreateThread(ctx context.Context, root relay.Message, name string, autoArchiveMinutes int) (string, error) {
	ch, err := c.api.MessageThreadStartComplex(root.ChannelID, root.ID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: autoArchiveMinutes,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord thread on %s: %w", root.ID, err)
	}
	return ch.ID, nil
}

// Pin implements relay.Delivery.
func (c *Client) Pin(ctx context.Context, m relay.Message) error {
	if err := c.api.ChannelMessagePin(m.ChannelID, m.ID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord pin %s: %w", m.ID, err)
	}
	return nil
}

// Unpin implements relay.Delivery. An already deleted message is not an error.
func (c *Client) Unpin(ctx context.Context, m relay.Message) error {
	err := c.api.ChannelMessageUnpin(m.ChannelID, m.ID, discordgo.WithContext(ctx))
	if err == nil || isUnknownMessage(err) {
		return nil
	}
	return fmt.Errorf("discord unpin %s: %w", m.ID, err)
}

// Can implements relay.Delivery.
func (c *Client) Can(ctx context.Context, channelID string, p relay.Permission) bool {
	var want int64
	switch p {
	case relay.PermCreatePublicThreads:
		want = discordgo.PermissionCreatePublicThreads
	case relay.PermManageMessages:
		want = discordgo.PermissionManageMessages
	default:
		return false
	}
	perms, err := c.api.UserChannelPermissions(c.botID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		slog.Debug("discord permission lookup failed", slog.String("component", "discord"), slog.String("channel_id", channelID), slog.Any("err", err))
		return false
	}
	return perms&want == want
}

func isUnknownMessage(err error) bool {
	var rest *discordgo.RESTError
	return errors.As(err, &rest) && rest.Message != nil && rest.Message.Code == discordgo.ErrCodeUnknownMessage
}
