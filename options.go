package warp

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client. Options override the WARPMETRICS_* environment.
type Option func(*resolvedOptions)

// resolvedOptions holds explicitly set options. Nil pointers and zero values
// mean "use the environment or the default".
type resolvedOptions struct {
	apiKey        *string
	baseURL       *string
	enabled       *bool
	debug         *bool
	flushInterval time.Duration
	maxBatchSize  int
	maxQueueSize  int
	httpClient    *http.Client
	logger        *slog.Logger
}

// WithAPIKey sets the collector API key (WARPMETRICS_API_KEY). Without a key,
// events are discarded at flush time.
func WithAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.apiKey = &key }
}

// WithBaseURL sets the collector base URL (WARPMETRICS_API_URL).
func WithBaseURL(url string) Option {
	return func(o *resolvedOptions) { o.baseURL = &url }
}

// WithEnabled turns tracking on or off (WARPMETRICS_ENABLED). A disabled
// client drops events when they are logged.
func WithEnabled(enabled bool) Option {
	return func(o *resolvedOptions) { o.enabled = &enabled }
}

// WithDebug enables debug diagnostics (WARPMETRICS_DEBUG). It never changes
// behavior.
func WithDebug(debug bool) Option {
	return func(o *resolvedOptions) { o.debug = &debug }
}

// WithFlushInterval sets how long events wait before a timer flush
// (WARPMETRICS_FLUSH_INTERVAL).
func WithFlushInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.flushInterval = d }
}

// WithMaxBatchSize sets the queued event count, across all event types, that
// triggers an immediate flush (WARPMETRICS_MAX_BATCH_SIZE).
func WithMaxBatchSize(n int) Option {
	return func(o *resolvedOptions) { o.maxBatchSize = n }
}

// WithMaxQueueSize bounds the number of queued events. Events beyond it are
// dropped.
func WithMaxQueueSize(n int) Option {
	return func(o *resolvedOptions) { o.maxQueueSize = n }
}

// WithHTTPClient sets the HTTP client used to reach the collector.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithLogger sets the structured logger. If not set, the default slog logger
// is used, or a stderr debug logger when debug is on.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}
