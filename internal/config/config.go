package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the process-wide settings for the djula connection service.
type Config struct {
	DBPath         string
	AuthDir        string
	CredentialKey  string
	GatewayURL     string
	LogLevel       string
	RetryInterval  time.Duration
	MaxRetries     int
	ConnectTimeout time.Duration
	PingInterval   time.Duration
}

const defaultDBPath = "./djula.db"
const defaultAuthDir = "./vendors_auth"
const defaultRetryInterval = 5 * time.Second
const defaultMaxRetries = 5
const defaultConnectTimeout = 30 * time.Second
const defaultPingInterval = 1 * time.Minute

// ParseFlags builds a [Config] from environment defaults overridden by
// command-line flags, then validates it.
func ParseFlags(args []string) (Config, error) {
	cfg := Config{
		DBPath:         envOrDefault("DJULA_DB_PATH", defaultDBPath),
		AuthDir:        envOrDefault("DJULA_AUTH_DIR", defaultAuthDir),
		CredentialKey:  envOrDefault("DJULA_CREDENTIAL_KEY", ""),
		GatewayURL:     envOrDefault("DJULA_GATEWAY_URL", ""),
		LogLevel:       envOrDefault("DJULA_LOG_LEVEL", "info"),
		RetryInterval:  envDurationOrDefault("DJULA_RETRY_INTERVAL", defaultRetryInterval),
		MaxRetries:     envIntOrDefault("DJULA_MAX_RETRIES", defaultMaxRetries),
		ConnectTimeout: defaultConnectTimeout,
		PingInterval:   defaultPingInterval,
	}

	fs := flag.NewFlagSet("djula", flag.ContinueOnError)
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.AuthDir, "auth-dir", cfg.AuthDir, "Base directory for per-vendor credential material")
	fs.StringVar(&cfg.CredentialKey, "credential-key", cfg.CredentialKey, "Secret used to seal credential material at rest")
	fs.StringVar(&cfg.GatewayURL, "gateway", cfg.GatewayURL, "Messaging gateway WebSocket URL (e.g. wss://gw.example.com/v1/connect)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.RetryInterval, "retry-interval", cfg.RetryInterval, "Delay between reconnection attempts")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Connection attempts before giving up and clearing credentials")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.GatewayURL = strings.TrimSpace(cfg.GatewayURL)
	if cfg.GatewayURL == "" {
		return cfg, errors.New("missing --gateway or DJULA_GATEWAY_URL")
	}
	if !strings.HasPrefix(cfg.GatewayURL, "ws://") && !strings.HasPrefix(cfg.GatewayURL, "wss://") {
		return cfg, errors.New("gateway URL must use ws:// or wss://")
	}
	if strings.TrimSpace(cfg.AuthDir) == "" {
		return cfg, errors.New("auth dir must not be empty")
	}
	if cfg.RetryInterval <= 0 {
		return cfg, errors.New("retry interval must be > 0")
	}
	if cfg.MaxRetries <= 0 {
		return cfg, errors.New("max retries must be > 0")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
