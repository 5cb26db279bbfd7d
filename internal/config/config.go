// Package config は同期エンジンの設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config は同期エンジン全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// API
	APIBaseURL   string
	WebSocketURL string

	// Feed
	FeedPageSize   int
	FeedStaleAfter time.Duration
	ScrollDebounce time.Duration

	// Session
	SessionMaxRetries int
	SessionRetryBase  time.Duration

	// Messaging
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	StabilityWindow       time.Duration
	TypingInactivity      time.Duration

	// Rate Limit（クライアント側。スクロール連打でAPIを溢れさせないための自衛）
	APIRateLimit float64
	APIRateBurst int

	// Debug Server
	DebugServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.APIBaseURL = os.Getenv("MOGUSYNC_API_BASE_URL")
	if cfg.APIBaseURL == "" {
		missing = append(missing, "MOGUSYNC_API_BASE_URL")
	}

	cfg.WebSocketURL = os.Getenv("MOGUSYNC_WS_URL")
	if cfg.WebSocketURL == "" {
		missing = append(missing, "MOGUSYNC_WS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.FeedPageSize = getEnvInt("MOGUSYNC_FEED_PAGE_SIZE", 20)
	cfg.FeedStaleAfter = getEnvDuration("MOGUSYNC_FEED_STALE_AFTER", 5*time.Minute)
	cfg.ScrollDebounce = getEnvDuration("MOGUSYNC_SCROLL_DEBOUNCE", 300*time.Millisecond)
	cfg.SessionMaxRetries = getEnvInt("MOGUSYNC_SESSION_MAX_RETRIES", 5)
	cfg.SessionRetryBase = getEnvDuration("MOGUSYNC_SESSION_RETRY_BASE", 200*time.Millisecond)
	cfg.ReconnectInitialDelay = getEnvDuration("MOGUSYNC_RECONNECT_INITIAL_DELAY", time.Second)
	cfg.ReconnectMaxDelay = getEnvDuration("MOGUSYNC_RECONNECT_MAX_DELAY", 30*time.Second)
	cfg.StabilityWindow = getEnvDuration("MOGUSYNC_STABILITY_WINDOW", 30*time.Second)
	cfg.TypingInactivity = getEnvDuration("MOGUSYNC_TYPING_INACTIVITY", 2*time.Second)
	cfg.APIRateLimit = getEnvFloat("MOGUSYNC_API_RATE_LIMIT", 5.0)
	cfg.APIRateBurst = getEnvInt("MOGUSYNC_API_RATE_BURST", 10)
	cfg.DebugServerPort = getEnvString("MOGUSYNC_DEBUG_PORT", "9090")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
