package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	// Role is "master" (speaker) or "viewer" (listener).
	Role string

	// Endpoint is the control-channel websocket URL.
	Endpoint string
	// APIURL is the HTTP base for relay configuration and token refresh.
	APIURL       string
	SignalingURL string

	IDToken      string
	AccessToken  string
	RefreshToken string

	SourceLanguage string
	QualityTier    string
	// SessionID joins an existing session as a viewer.
	SessionID string

	RetryAttempts int
	Timeout       time.Duration
	RetryDelay    time.Duration

	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration

	ViewerRetries    int
	ViewerRetryDelay time.Duration

	// RTPListen is where the master reads encoded audio as RTP.
	RTPListen string
	// RTPForward is where a viewer writes received RTP.
	RTPForward string

	// StatusAddr serves the local control API. Empty disables it.
	StatusAddr string

	// RedisAddr enables the Redis credential store when set.
	RedisAddr string
	RedisKey  string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		Role:           getString("LINGOCAST_ROLE", "master"),
		Endpoint:       os.Getenv("LINGOCAST_ENDPOINT"),
		APIURL:         os.Getenv("LINGOCAST_API_URL"),
		SignalingURL:   os.Getenv("LINGOCAST_SIGNALING_URL"),
		IDToken:        os.Getenv("LINGOCAST_ID_TOKEN"),
		AccessToken:    os.Getenv("LINGOCAST_ACCESS_TOKEN"),
		RefreshToken:   os.Getenv("LINGOCAST_REFRESH_TOKEN"),
		SourceLanguage: getString("LINGOCAST_SOURCE_LANGUAGE", "en-US"),
		QualityTier:    getString("LINGOCAST_QUALITY_TIER", "standard"),
		SessionID:      os.Getenv("LINGOCAST_SESSION_ID"),
		RTPListen:      getString("LINGOCAST_RTP_LISTEN", "127.0.0.1:5004"),
		RTPForward:     getString("LINGOCAST_RTP_FORWARD", "127.0.0.1:5006"),
		StatusAddr:     getString("LINGOCAST_STATUS_ADDR", "127.0.0.1:8089"),
		RedisAddr:      os.Getenv("LINGOCAST_REDIS_ADDR"),
		RedisKey:       getString("LINGOCAST_REDIS_KEY", "lingocast:credentials"),
	}

	if cfg.Role != "master" && cfg.Role != "viewer" {
		return nil, fmt.Errorf("LINGOCAST_ROLE must be master or viewer, got %q", cfg.Role)
	}
	required := map[string]string{
		"LINGOCAST_API_URL":       cfg.APIURL,
		"LINGOCAST_SIGNALING_URL": cfg.SignalingURL,
		"LINGOCAST_ACCESS_TOKEN":  cfg.AccessToken,
	}
	if cfg.Role == "master" {
		required["LINGOCAST_ENDPOINT"] = cfg.Endpoint
	} else {
		required["LINGOCAST_SESSION_ID"] = cfg.SessionID
	}
	for _, name := range []string{
		"LINGOCAST_ENDPOINT", "LINGOCAST_API_URL", "LINGOCAST_SIGNALING_URL",
		"LINGOCAST_ACCESS_TOKEN", "LINGOCAST_SESSION_ID",
	} {
		if v, ok := required[name]; ok && v == "" {
			return nil, fmt.Errorf("%s environment variable is required", name)
		}
	}

	var err error
	ints := []struct {
		dst  *int
		name string
		def  int
	}{
		{&cfg.RetryAttempts, "LINGOCAST_RETRY_ATTEMPTS", 3},
		{&cfg.MaxReconnectAttempts, "LINGOCAST_MAX_RECONNECT_ATTEMPTS", 5},
		{&cfg.ViewerRetries, "LINGOCAST_VIEWER_RETRIES", 3},
	}
	for _, v := range ints {
		if *v.dst, err = getInt(v.name, v.def); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		dst  *time.Duration
		name string
		def  time.Duration
	}{
		{&cfg.Timeout, "LINGOCAST_TIMEOUT", 10 * time.Second},
		{&cfg.RetryDelay, "LINGOCAST_RETRY_DELAY", time.Second},
		{&cfg.HeartbeatInterval, "LINGOCAST_HEARTBEAT_INTERVAL", 30 * time.Second},
		{&cfg.HeartbeatTimeout, "LINGOCAST_HEARTBEAT_TIMEOUT", 10 * time.Second},
		{&cfg.ReconnectBaseDelay, "LINGOCAST_RECONNECT_BASE_DELAY", time.Second},
		{&cfg.ViewerRetryDelay, "LINGOCAST_VIEWER_RETRY_DELAY", time.Second},
	}
	for _, v := range durations {
		if *v.dst, err = getDuration(v.name, v.def); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func getString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid count %q", name, v)
	}
	return n, nil
}

func getDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
