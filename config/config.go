package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type Config struct {
	// PocketBase External Server
	PocketBaseURL   string // PocketBase server URL (e.g., http://192.168.100.100:8090)
	PocketBaseToken string // Auth token for API access
	BatchSize       int    // records per /api/batch request

	// HTTP control surface
	Addr string

	// Device timeouts
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	EnrollTimeout   time.Duration

	// Auto-sync
	AutoSyncInterval time.Duration
	AutoSyncOnStart  bool
	SyncWindow       time.Duration

	// Logging
	LogLevel  string
	LogFormat string // json or console

	// Telegram Bot
	TelegramBotToken string
	AuthorizedChatID string

	// EnvFileLoaded reports whether a .env file was found
	EnvFileLoaded bool
}

// LoadConfig reads .env, then the environment, then command-line flags (highest precedence)
func LoadConfig(args []string) (*Config, error) {
	envLoaded := godotenv.Load() == nil

	cfg := &Config{
		PocketBaseURL:    getEnv("POCKETBASE_URL", "http://127.0.0.1:8090"),
		PocketBaseToken:  os.Getenv("POCKETBASE_TOKEN"),
		Addr:             getEnv("BRIDGE_ADDR", ":3001"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		AuthorizedChatID: os.Getenv("AUTHORIZED_CHAT_ID"),
		EnvFileLoaded:    envLoaded,
	}

	var err error
	if cfg.BatchSize, err = getEnvInt("POCKETBASE_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout, err = getEnvDuration("DEVICE_CONNECT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ResponseTimeout, err = getEnvDuration("DEVICE_RESPONSE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.EnrollTimeout, err = getEnvDuration("DEVICE_ENROLL_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	intervalSeconds, err := getEnvInt("AUTO_SYNC_INTERVAL", 300)
	if err != nil {
		return nil, err
	}
	windowDays, err := getEnvInt("SYNC_WINDOW_DAYS", 30)
	if err != nil {
		return nil, err
	}
	if cfg.AutoSyncOnStart, err = getEnvBool("AUTO_SYNC_ON_START", false); err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("zk-bridge", pflag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.PocketBaseURL, "pocketbase-url", cfg.PocketBaseURL, "PocketBase server URL")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "device connect timeout")
	fs.DurationVar(&cfg.ResponseTimeout, "response-timeout", cfg.ResponseTimeout, "device response timeout")
	fs.DurationVar(&cfg.EnrollTimeout, "enroll-timeout", cfg.EnrollTimeout, "how long to wait for finger scans")
	fs.IntVar(&intervalSeconds, "auto-sync-interval", intervalSeconds, "auto-sync interval in seconds")
	fs.BoolVar(&cfg.AutoSyncOnStart, "auto-sync", cfg.AutoSyncOnStart, "start auto-sync at boot")
	fs.IntVar(&windowDays, "sync-window-days", windowDays, "days of stored logs used for deduplication")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json, console)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.AutoSyncInterval = time.Duration(intervalSeconds) * time.Second
	cfg.SyncWindow = time.Duration(windowDays) * 24 * time.Hour

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the bridge cannot run with
func (c *Config) Validate() error {
	u, err := url.Parse(c.PocketBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid POCKETBASE_URL %q", c.PocketBaseURL)
	}
	if c.ConnectTimeout <= 0 || c.ResponseTimeout <= 0 || c.EnrollTimeout <= 0 {
		return fmt.Errorf("device timeouts must be positive")
	}
	if c.AutoSyncInterval < time.Second {
		return fmt.Errorf("auto-sync interval must be at least 1 second")
	}
	if c.SyncWindow <= 0 {
		return fmt.Errorf("sync window must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// getEnvDuration accepts Go durations ("10s") or plain milliseconds ("10000")
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
