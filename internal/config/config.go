// Package config loads the proxy's runtime parameters from config.toml,
// with environment variables taking priority over file values and file
// values taking priority over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// RequestCountResetPolicy controls when Account.RequestCount is zeroed.
type RequestCountResetPolicy string

const (
	ResetOnRateLimitClear RequestCountResetPolicy = "rate_limit_clear"
	ResetOnDayBoundary    RequestCountResetPolicy = "day_boundary"
)

// File is the config.toml structure.
type File struct {
	ListenAddr     string `toml:"listen_addr"`
	DBPath         string `toml:"db_path"`
	SessionDBPath  string `toml:"session_db_path"`
	LogDir         string `toml:"log_dir"`

	SessionTTLMinutes    int `toml:"session_ttl_minutes"`
	TeeBufferBytes       int `toml:"tee_buffer_bytes"`
	FlushIntervalMS      int `toml:"flush_interval_ms"`
	WriterBatchSize      int `toml:"writer_batch_size"`
	WriterQueueHighWater int `toml:"writer_queue_high_water"`
	WriterShutdownGraceS int `toml:"writer_shutdown_grace_seconds"`

	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	IdleTimeoutSeconds    int `toml:"idle_timeout_seconds"`
	StreamIdleDrainS      int `toml:"stream_disconnect_drain_seconds"`
	MaxAttempts           int `toml:"max_attempts"`
	BufferThresholdBytes  int `toml:"buffer_threshold_bytes"`

	OAuthClientID        string `toml:"oauth_client_id"`
	RequestCountResetOn  string `toml:"request_count_reset_policy"`

	TLS struct {
		Enabled  bool   `toml:"enabled"`
		Domain   string `toml:"domain"`
		Email    string `toml:"email"`
		CacheDir string `toml:"cache_dir"`
	} `toml:"tls"`

	AdminToken string `toml:"admin_token"`
	Debug      bool   `toml:"debug"`
}

// Config is the resolved runtime configuration used by the rest of the proxy.
type Config struct {
	ListenAddr    string
	DBPath        string
	SessionDBPath string
	LogDir        string

	SessionTTL           time.Duration
	TeeBufferBytes        int
	FlushInterval         time.Duration
	WriterBatchSize       int
	WriterQueueHighWater  int
	WriterShutdownGrace   time.Duration

	RequestTimeout   time.Duration
	ConnectTimeout   time.Duration
	IdleTimeout      time.Duration
	StreamDrainCap   time.Duration
	MaxAttempts      int
	BufferThreshold  int64

	OAuthClientID       string
	RequestCountResetOn RequestCountResetPolicy

	TLSEnabled  bool
	TLSDomain   string
	TLSEmail    string
	TLSCacheDir string

	AdminToken string
	Debug      bool
}

// Load reads path (if present) and overlays environment variables, then
// built-in defaults, producing a resolved Config. A missing file is not an
// error; a malformed file is.
func Load(path string) (*Config, error) {
	var f File
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	cfg := &Config{
		ListenAddr:    str("PROXY_LISTEN_ADDR", f.ListenAddr, "127.0.0.1:8787"),
		DBPath:        str("PROXY_DB_PATH", f.DBPath, "./data/proxy.db"),
		SessionDBPath: str("PROXY_SESSION_DB_PATH", f.SessionDBPath, "./data/sessions.bbolt"),
		LogDir:        str("PROXY_LOG_DIR", f.LogDir, "./data/logs"),

		SessionTTL:           time.Duration(intv("PROXY_SESSION_TTL_MINUTES", f.SessionTTLMinutes, 300)) * time.Minute,
		TeeBufferBytes:       intv("PROXY_TEE_BUFFER_BYTES", f.TeeBufferBytes, 256*1024),
		FlushInterval:        time.Duration(intv("PROXY_FLUSH_INTERVAL_MS", f.FlushIntervalMS, 100)) * time.Millisecond,
		WriterBatchSize:      intv("PROXY_WRITER_BATCH_SIZE", f.WriterBatchSize, 64),
		WriterQueueHighWater: intv("PROXY_WRITER_QUEUE_HIGH_WATER", f.WriterQueueHighWater, 4096),
		WriterShutdownGrace:  time.Duration(intv("PROXY_WRITER_SHUTDOWN_GRACE_SECONDS", f.WriterShutdownGraceS, 5)) * time.Second,

		RequestTimeout:  time.Duration(intv("PROXY_REQUEST_TIMEOUT_SECONDS", f.RequestTimeoutSeconds, 120)) * time.Second,
		ConnectTimeout:  time.Duration(intv("PROXY_CONNECT_TIMEOUT_SECONDS", f.ConnectTimeoutSeconds, 10)) * time.Second,
		IdleTimeout:     time.Duration(intv("PROXY_IDLE_TIMEOUT_SECONDS", f.IdleTimeoutSeconds, 60)) * time.Second,
		StreamDrainCap:  time.Duration(intv("PROXY_STREAM_DRAIN_SECONDS", f.StreamIdleDrainS, 2)) * time.Second,
		MaxAttempts:     intv("PROXY_MAX_ATTEMPTS", f.MaxAttempts, 5),
		BufferThreshold: int64(intv("PROXY_BUFFER_THRESHOLD_BYTES", f.BufferThresholdBytes, 1<<20)),

		OAuthClientID:       str("PROXY_OAUTH_CLIENT_ID", f.OAuthClientID, "9d1c250a-e61b-44d9-88ed-5944d1962f5e"),
		RequestCountResetOn: resetPolicy(f.RequestCountResetOn),

		TLSEnabled:  boolv("PROXY_TLS_ENABLED", f.TLS.Enabled, false),
		TLSDomain:   str("PROXY_TLS_DOMAIN", f.TLS.Domain, ""),
		TLSEmail:    str("PROXY_TLS_EMAIL", f.TLS.Email, ""),
		TLSCacheDir: str("PROXY_TLS_CACHE_DIR", f.TLS.CacheDir, "./data/autocert"),

		AdminToken: str("PROXY_ADMIN_TOKEN", f.AdminToken, ""),
		Debug:      boolv("PROXY_DEBUG", f.Debug, false),
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen_addr must not be empty")
	}
	return cfg, nil
}

func resetPolicy(v string) RequestCountResetPolicy {
	switch RequestCountResetPolicy(v) {
	case ResetOnDayBoundary:
		return ResetOnDayBoundary
	default:
		return ResetOnRateLimitClear
	}
}

func str(envKey, fileValue, def string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fileValue != "" {
		return fileValue
	}
	return def
}

func intv(envKey string, fileValue, def int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if fileValue > 0 {
		return fileValue
	}
	return def
}

func boolv(envKey string, fileValue, def bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if fileValue {
		return true
	}
	return def
}
