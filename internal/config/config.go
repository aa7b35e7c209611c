// Package config loads and validates configuration from environment variables.
//
// Client holds the SDK settings read from WARPMETRICS_* variables. Collector
// holds the settings of the warpd collector binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client holds the SDK configuration.
type Client struct {
	APIKey        string
	BaseURL       string
	Enabled       bool
	Debug         bool
	FlushInterval time.Duration
	MaxBatchSize  int
}

// Collector holds the collector configuration.
type Collector struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Storage.
	DBPath string // SQLite file path, or ":memory:".

	// Ingest auth. Empty means any non-empty bearer token is accepted.
	APIKeys []string

	// Per-key ingest rate limit.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// Client defaults.
const (
	DefaultBaseURL       = "https://api.warpmetrics.com"
	DefaultFlushInterval = time.Second
	DefaultMaxBatchSize  = 100
)

// LoadClient reads the SDK configuration. Invalid values fall back to their
// defaults; the returned error lists every invalid variable so the caller can
// report it.
func LoadClient() (Client, error) {
	var errs []error
	cfg := Client{
		APIKey:  envStr("WARPMETRICS_API_KEY", ""),
		BaseURL: envStr("WARPMETRICS_API_URL", DefaultBaseURL),
	}
	cfg.Enabled = collect(&errs, envBool, "WARPMETRICS_ENABLED", true)
	cfg.Debug = collect(&errs, envBool, "WARPMETRICS_DEBUG", false)
	cfg.FlushInterval = collect(&errs, envMillis, "WARPMETRICS_FLUSH_INTERVAL", DefaultFlushInterval)
	cfg.MaxBatchSize = collect(&errs, envInt, "WARPMETRICS_MAX_BATCH_SIZE", DefaultMaxBatchSize)

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// Validate checks the SDK configuration.
func (c Client) Validate() error {
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: WARPMETRICS_FLUSH_INTERVAL must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("config: WARPMETRICS_MAX_BATCH_SIZE must be positive")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("config: WARPMETRICS_API_URL must be an http(s) URL, got %q", c.BaseURL)
	}
	return nil
}

// LoadCollector reads the collector configuration.
func LoadCollector() (Collector, error) {
	var errs []error
	cfg := Collector{
		DBPath:       envStr("WARPD_DB_PATH", "warpd.db"),
		APIKeys:      envList("WARPD_API_KEYS"),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "warpd"),
		LogLevel:     envStr("WARPD_LOG_LEVEL", "info"),
	}
	cfg.Port = collect(&errs, envInt, "WARPD_PORT", 8080)
	cfg.ReadTimeout = collect(&errs, envDuration, "WARPD_READ_TIMEOUT", 30*time.Second)
	cfg.WriteTimeout = collect(&errs, envDuration, "WARPD_WRITE_TIMEOUT", 30*time.Second)
	cfg.MaxRequestBodyBytes = int64(collect(&errs, envInt, "WARPD_MAX_REQUEST_BODY_BYTES", 10*1024*1024)) // 10 MB default
	cfg.RateLimitRPS = collect(&errs, envFloat, "WARPD_RATE_LIMIT_RPS", 20)
	cfg.RateLimitBurst = collect(&errs, envInt, "WARPD_RATE_LIMIT_BURST", 40)
	cfg.OTELInsecure = collect(&errs, envBool, "OTEL_EXPORTER_OTLP_INSECURE", false)

	if len(errs) > 0 {
		return Collector{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Collector{}, err
	}
	return cfg, nil
}

// Validate checks that the collector configuration is usable.
func (c Collector) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: WARPD_PORT must be between 1 and 65535")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: WARPD_DB_PATH is required")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: WARPD_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: WARPD_RATE_LIMIT_RPS and WARPD_RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// collect parses key with parse, recording the error and returning the
// default when the value is invalid.
func collect[T any](errs *[]error, parse func(string, T) (T, error), key string, defaultVal T) T {
	v, err := parse(key, defaultVal)
	if err != nil {
		*errs = append(*errs, err)
		return defaultVal
	}
	return v
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envMillis accepts a bare integer as milliseconds or a Go duration string.
func envMillis(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
