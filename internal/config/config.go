// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: minimum log level (default "info").
//   - AUTH_RATE_LIMIT: max failed auth attempts per IP per minute
//     (default "10", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - STREAM_HEARTBEAT_INTERVAL: SSE heartbeat interval
//     (default "15s", must be > 0 if set).
//   - STREAM_BUFFER_SIZE: per-connection stream event queue capacity
//     (default "64", must be > 0 if set).
//   - SCHEDULER_POLL_INTERVAL: scheduled change polling interval
//     (default "30s", must be > 0 if set).
//   - ANALYTICS_FLUSH_INTERVAL: analytics buffer timer flush interval
//     (default "10s", must be > 0 if set).
//   - ANALYTICS_FLUSH_THRESHOLD: buffered event count that triggers an
//     immediate flush (default "1000", must be > 0 if set).
//   - ANALYTICS_BUFFER_CEILING: hard cap on buffered analytics events
//     (default "10000", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                 = ":8080"
	defaultAuthRateLimit            = 10
	defaultMaxJSONBodySize    int64 = 1 << 20 // 1MB
	defaultHeartbeatInterval        = 15 * time.Second
	defaultStreamBufferSize         = 64
	defaultSchedulerInterval        = 30 * time.Second
	defaultAnalyticsInterval        = 10 * time.Second
	defaultAnalyticsThreshold       = 1000
	defaultAnalyticsCeiling         = 10000
)

// Config holds the runtime configuration for the flag delivery server.
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string

	AuthRateLimit   int
	MaxJSONBodySize int64

	StreamHeartbeatInterval time.Duration
	StreamBufferSize        int

	SchedulerPollInterval time.Duration

	AnalyticsFlushInterval  time.Duration
	AnalyticsFlushThreshold int
	AnalyticsBufferCeiling  int
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if required variables are missing
// or if optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	authRateLimit, err := positiveIntEnv("AUTH_RATE_LIMIT", defaultAuthRateLimit)
	if err != nil {
		return Config{}, err
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	heartbeat, err := positiveDurationEnv("STREAM_HEARTBEAT_INTERVAL", defaultHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}

	streamBufferSize, err := positiveIntEnv("STREAM_BUFFER_SIZE", defaultStreamBufferSize)
	if err != nil {
		return Config{}, err
	}

	schedulerInterval, err := positiveDurationEnv("SCHEDULER_POLL_INTERVAL", defaultSchedulerInterval)
	if err != nil {
		return Config{}, err
	}

	analyticsInterval, err := positiveDurationEnv("ANALYTICS_FLUSH_INTERVAL", defaultAnalyticsInterval)
	if err != nil {
		return Config{}, err
	}

	analyticsThreshold, err := positiveIntEnv("ANALYTICS_FLUSH_THRESHOLD", defaultAnalyticsThreshold)
	if err != nil {
		return Config{}, err
	}

	analyticsCeiling, err := positiveIntEnv("ANALYTICS_BUFFER_CEILING", defaultAnalyticsCeiling)
	if err != nil {
		return Config{}, err
	}

	return Config{
		DatabaseURL:             databaseURL,
		HTTPAddr:                envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:                envOrDefault("LOG_LEVEL", "info"),
		AuthRateLimit:           authRateLimit,
		MaxJSONBodySize:         maxJSONBodySize,
		StreamHeartbeatInterval: heartbeat,
		StreamBufferSize:        streamBufferSize,
		SchedulerPollInterval:   schedulerInterval,
		AnalyticsFlushInterval:  analyticsInterval,
		AnalyticsFlushThreshold: analyticsThreshold,
		AnalyticsBufferCeiling:  analyticsCeiling,
	}, nil
}

func positiveIntEnv(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
