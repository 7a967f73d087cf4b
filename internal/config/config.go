// Package config loads gate settings from MAINTGATE_* environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/maintgate/internal/gatecache"
)

// Bus transports.
const (
	BusNATS  = "nats"
	BusRedis = "redis"
	BusLocal = "local"
	BusNone  = "none"
)

type Config struct {
	DatabaseURL string // MAINTGATE_DATABASE_URL (required unless running in memory)
	HTTPAddr    string // MAINTGATE_HTTP_ADDR (default ":8080")
	UpstreamURL string // MAINTGATE_UPSTREAM_URL (optional, empty = 404 behind the gate)

	// Invalidation bus
	Bus      string // MAINTGATE_BUS (nats, redis, local or none; derived from the URLs when unset)
	NATSURL  string // MAINTGATE_NATS_URL
	RedisURL string // MAINTGATE_REDIS_URL
	BusTopic string // MAINTGATE_BUS_TOPIC (default "maintgate.state.changed")

	// Gate cache
	CacheTTL     time.Duration        // MAINTGATE_CACHE_TTL (default 5s)
	StoreTimeout time.Duration        // MAINTGATE_STORE_TIMEOUT (default 2s)
	RetryBackoff time.Duration        // MAINTGATE_RETRY_BACKOFF (default 1s)
	FailPolicy   gatecache.FailPolicy // MAINTGATE_FAIL_POLICY (default "open")

	// Gate response
	BypassPrefixes []string // MAINTGATE_BYPASS_PREFIXES (default "/maintenance,/healthz,/metrics")
	RetryAfter     int      // MAINTGATE_RETRY_AFTER (seconds, default 120, 0 = omit)

	// Mutations
	MaxMessageLength int // MAINTGATE_MAX_MESSAGE_LENGTH (default 1000)
	MaxDataBytes     int // MAINTGATE_MAX_DATA_BYTES (default 65536)
	MaxAttempts      int // MAINTGATE_MAX_ATTEMPTS (default 3)

	// History sync
	SyncInterval   time.Duration // MAINTGATE_SYNC_INTERVAL (default 0 = disabled)
	SyncS3Bucket   string        // MAINTGATE_SYNC_S3_BUCKET (enables S3 when set)
	SyncS3Endpoint string        // MAINTGATE_SYNC_S3_ENDPOINT (custom endpoint for MinIO)
	SyncS3Region   string        // MAINTGATE_SYNC_S3_REGION (default "us-east-1")
	SyncS3Key      string        // MAINTGATE_SYNC_S3_KEY (default "maintgate/history.jsonl")
	SyncGitRepo    string        // MAINTGATE_SYNC_GIT_REPO (enables git when set; path to clone)
	SyncGitFile    string        // MAINTGATE_SYNC_GIT_FILE (default "maintgate.jsonl")
	SyncGitBranch  string        // MAINTGATE_SYNC_GIT_BRANCH (default "main")

	LogFormat string     // MAINTGATE_LOG_FORMAT (text or json, default text)
	LogLevel  slog.Level // MAINTGATE_LOG_LEVEL (default info)
}

// Load reads the environment. requireDatabase is false when the caller runs
// on the in-memory store.
func Load(requireDatabase bool) (*Config, error) {
	c := &Config{
		DatabaseURL:    os.Getenv("MAINTGATE_DATABASE_URL"),
		HTTPAddr:       envOrDefault("MAINTGATE_HTTP_ADDR", ":8080"),
		UpstreamURL:    os.Getenv("MAINTGATE_UPSTREAM_URL"),
		NATSURL:        os.Getenv("MAINTGATE_NATS_URL"),
		RedisURL:       os.Getenv("MAINTGATE_REDIS_URL"),
		BusTopic:       envOrDefault("MAINTGATE_BUS_TOPIC", "maintgate.state.changed"),
		BypassPrefixes: splitList(envOrDefault("MAINTGATE_BYPASS_PREFIXES", "/maintenance,/healthz,/metrics")),
		SyncS3Bucket:   os.Getenv("MAINTGATE_SYNC_S3_BUCKET"),
		SyncS3Endpoint: os.Getenv("MAINTGATE_SYNC_S3_ENDPOINT"),
		SyncS3Region:   envOrDefault("MAINTGATE_SYNC_S3_REGION", "us-east-1"),
		SyncS3Key:      envOrDefault("MAINTGATE_SYNC_S3_KEY", "maintgate/history.jsonl"),
		SyncGitRepo:    os.Getenv("MAINTGATE_SYNC_GIT_REPO"),
		SyncGitFile:    envOrDefault("MAINTGATE_SYNC_GIT_FILE", "maintgate.jsonl"),
		SyncGitBranch:  envOrDefault("MAINTGATE_SYNC_GIT_BRANCH", "main"),
		LogFormat:      strings.ToLower(envOrDefault("MAINTGATE_LOG_FORMAT", "text")),
	}
	if requireDatabase && c.DatabaseURL == "" {
		return nil, fmt.Errorf("MAINTGATE_DATABASE_URL is required")
	}

	var err error
	if c.Bus, err = resolveBus(os.Getenv("MAINTGATE_BUS"), c.NATSURL, c.RedisURL); err != nil {
		return nil, err
	}

	for _, d := range []struct {
		key, fallback string
		dst           *time.Duration
	}{
		{"MAINTGATE_CACHE_TTL", "5s", &c.CacheTTL},
		{"MAINTGATE_STORE_TIMEOUT", "2s", &c.StoreTimeout},
		{"MAINTGATE_RETRY_BACKOFF", "1s", &c.RetryBackoff},
		{"MAINTGATE_SYNC_INTERVAL", "0", &c.SyncInterval},
	} {
		v, err := time.ParseDuration(envOrDefault(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("%s: must not be negative", d.key)
		}
		*d.dst = v
	}
	if c.CacheTTL == 0 {
		return nil, fmt.Errorf("MAINTGATE_CACHE_TTL: must be positive")
	}

	if c.FailPolicy, err = gatecache.ParseFailPolicy(os.Getenv("MAINTGATE_FAIL_POLICY")); err != nil {
		return nil, fmt.Errorf("MAINTGATE_FAIL_POLICY: %w", err)
	}

	for _, n := range []struct {
		key      string
		fallback int
		min      int
		dst      *int
	}{
		{"MAINTGATE_RETRY_AFTER", 120, 0, &c.RetryAfter},
		{"MAINTGATE_MAX_MESSAGE_LENGTH", 1000, 1, &c.MaxMessageLength},
		{"MAINTGATE_MAX_DATA_BYTES", 64 << 10, 2, &c.MaxDataBytes},
		{"MAINTGATE_MAX_ATTEMPTS", 3, 1, &c.MaxAttempts},
	} {
		v, err := envInt(n.key, n.fallback)
		if err != nil {
			return nil, err
		}
		if v < n.min {
			return nil, fmt.Errorf("%s: must be at least %d", n.key, n.min)
		}
		*n.dst = v
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return nil, fmt.Errorf("MAINTGATE_LOG_FORMAT: must be text or json, got %q", c.LogFormat)
	}
	if err := c.LogLevel.UnmarshalText([]byte(envOrDefault("MAINTGATE_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("MAINTGATE_LOG_LEVEL: %w", err)
	}

	return c, nil
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// resolveBus picks the transport: an explicit choice must have its URL, and
// an unset one prefers NATS, then Redis, then the in-process bus.
func resolveBus(bus, natsURL, redisURL string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(bus)) {
	case "":
		switch {
		case natsURL != "":
			return BusNATS, nil
		case redisURL != "":
			return BusRedis, nil
		}
		return BusLocal, nil
	case BusNATS:
		if natsURL == "" {
			return "", fmt.Errorf("MAINTGATE_BUS=nats requires MAINTGATE_NATS_URL")
		}
		return BusNATS, nil
	case BusRedis:
		if redisURL == "" {
			return "", fmt.Errorf("MAINTGATE_BUS=redis requires MAINTGATE_REDIS_URL")
		}
		return BusRedis, nil
	case BusLocal:
		return BusLocal, nil
	case BusNone:
		return BusNone, nil
	default:
		return "", fmt.Errorf("MAINTGATE_BUS: unknown transport %q", bus)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
