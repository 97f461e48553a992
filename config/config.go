// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials (the Discord bot token), use ValidateRelayReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Discord
	DiscordToken string

	// Database (empty DSN keeps guild settings in memory)
	DBDsn            string
	SettingsCacheTTL time.Duration

	// YouTube: API key, or OAuth client + refresh token
	YTAPIKey       string
	YTClientID     string
	YTClientSecret string
	YTRefreshToken string

	// Twitch
	TwitchClientID     string
	TwitchClientSecret string
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchRefreshToken string

	// Chat sessions
	ChatScraperCmd    string
	TwitchLiveCheck   time.Duration
	StreamersFile     string
	LivePollInterval  time.Duration
	DeliveryRate      float64
	DeliveryWorkers   int
	HTTPAddr          string
	ShutdownGraceTime time.Duration
}

// Load reads environment variables and applies defaults. It doesn't fail if platform creds are missing;
// missing optional variables disable the matching platform. Malformed values are errors.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DiscordToken = strings.TrimPrefix(os.Getenv("DISCORD_TOKEN"), "Bot ")

	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.YTAPIKey = os.Getenv("YT_API_KEY")
	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTRefreshToken = os.Getenv("YT_REFRESH_TOKEN")

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchRefreshToken = os.Getenv("TWITCH_REFRESH_TOKEN")

	cfg.ChatScraperCmd = os.Getenv("CHAT_SCRAPER_CMD")

	cfg.StreamersFile = os.Getenv("STREAMERS_FILE")
	if cfg.StreamersFile == "" {
		cfg.StreamersFile = "streamers.yaml"
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	var err error
	if cfg.SettingsCacheTTL, err = duration("SETTINGS_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LivePollInterval, err = duration("LIVE_POLL_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.TwitchLiveCheck, err = duration("TWITCH_LIVE_CHECK_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ShutdownGraceTime, err = duration("SHUTDOWN_GRACE", 10*time.Second); err != nil {
		return nil, err
	}

	cfg.DeliveryRate = 5
	if v := os.Getenv("DELIVERY_RATE_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid DELIVERY_RATE_PER_SECOND %q", v)
		}
		cfg.DeliveryRate = f
	}

	cfg.DeliveryWorkers = 8
	if v := os.Getenv("DELIVERY_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DELIVERY_WORKERS %q", v)
		}
		cfg.DeliveryWorkers = n
	}

	return cfg, nil
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a duration like 30s", key, v)
	}
	return d, nil
}

// ValidateRelayReady checks the fields the relay cannot run without.
func (c *Config) ValidateRelayReady() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("missing discord env: require DISCORD_TOKEN")
	}
	return nil
}

// YouTubeEnabled reports whether YouTube liveness can be queried.
func (c *Config) YouTubeEnabled() bool {
	return c.YTAPIKey != "" || (c.YTRefreshToken != "" && c.YTClientID != "" && c.YTClientSecret != "")
}

// TwitchEnabled reports whether Twitch liveness and chat are configured.
func (c *Config) TwitchEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != "" && c.TwitchBotUsername != "" &&
		(c.TwitchOAuthToken != "" || c.TwitchRefreshToken != "")
}
