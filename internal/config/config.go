// Package config loads the relay bot's environment-driven
// configuration (spec §6), following the teacher's envOr/envInt/
// envDuration convention with godotenv for local .env loading.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Host string
	Port int

	// Database
	DBPath string

	// Telegram
	BotToken      string
	AdminGroupID  int64
	AdminIDs      []string
	BackupGroupID int64

	// Verify page
	WorkerURL string

	// Captcha
	TurnstileSiteKey   string
	TurnstileSecretKey string
	RecaptchaSiteKey   string
	RecaptchaSecretKey string

	// Outbound transport
	ProxyURL           string
	HTTPRequestTimeout time.Duration

	// Rule cache
	RuleCacheTTL time.Duration

	// Logging
	LogLevel string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		DBPath: envOr("DB_PATH", "./relaybot.db"),

		BotToken:      os.Getenv("BOT_TOKEN"),
		AdminGroupID:  envInt64("ADMIN_GROUP_ID", 0),
		AdminIDs:      envList("ADMIN_IDS"),
		BackupGroupID: envInt64("BACKUP_GROUP_ID", 0),

		WorkerURL: os.Getenv("WORKER_URL"),

		TurnstileSiteKey:   os.Getenv("TURNSTILE_SITE_KEY"),
		TurnstileSecretKey: os.Getenv("TURNSTILE_SECRET_KEY"),
		RecaptchaSiteKey:   os.Getenv("RECAPTCHA_SITE_KEY"),
		RecaptchaSecretKey: os.Getenv("RECAPTCHA_SECRET_KEY"),

		ProxyURL:           os.Getenv("PROXY_URL"),
		HTTPRequestTimeout: envDuration("HTTP_REQUEST_TIMEOUT", 15*time.Second),

		RuleCacheTTL: envDuration("RULE_CACHE_TTL_MS", 60*time.Second),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.BotToken == "" {
		return errMissing("BOT_TOKEN")
	}
	if c.AdminGroupID == 0 {
		return errMissing("ADMIN_GROUP_ID")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
