// Package warp instruments LLM provider clients and delivers a structured
// trace of their calls to a Warpmetrics collector.
//
// A Client wraps Anthropic and OpenAI SDK services so that every create call
// is measured and buffered, then lets the application place those calls in a
// graph of runs, groups, outcomes and acts:
//
//	wm := warp.New(warp.WithAPIKey(key))
//	defer wm.Close(context.Background())
//
//	msgs := wm.WrapAnthropic(&client.Messages)
//	run := wm.Run("code-review", nil)
//	res, err := msgs.New(ctx, params)
//	wm.Call(run, res, nil)
//
// Instrumentation fails open: an unsupported client, an unknown target or an
// untracked response is ignored (with a debug diagnostic) and never breaks
// the host application. Only Flush and Close report delivery errors.
//
// The import graph is one-way: warp (root) imports internal/*, and internal/*
// never imports warp.
package warp

import (
	"context"
	"log/slog"
	"os"

	"github.com/warpmetrics/warp-go/internal/callbuf"
	"github.com/warpmetrics/warp-go/internal/config"
	"github.com/warpmetrics/warp-go/internal/registry"
	"github.com/warpmetrics/warp-go/internal/transport"
)

// Version is sent to the collector as X-SDK-Version.
const Version = "0.4.0"

// Client owns the registries, the call buffer and the delivery queues of one
// application. It is safe for concurrent use. Construct with New.
type Client struct {
	logger    *slog.Logger
	transport *transport.Transport
	buf       *callbuf.Buffer
	reg       *registry.Registry
}

// New creates a Client from the environment, overridden by opts. Invalid
// environment values are logged and replaced by their defaults.
func New(opts ...Option) *Client {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	cfg, envErr := config.LoadClient()
	if o.apiKey != nil {
		cfg.APIKey = *o.apiKey
	}
	if o.baseURL != nil {
		cfg.BaseURL = *o.baseURL
	}
	if o.enabled != nil {
		cfg.Enabled = *o.enabled
	}
	if o.debug != nil {
		cfg.Debug = *o.debug
	}
	if o.flushInterval > 0 {
		cfg.FlushInterval = o.flushInterval
	}
	if o.maxBatchSize > 0 {
		cfg.MaxBatchSize = o.maxBatchSize
	}

	logger := newLogger(o.logger, cfg.Debug)
	if envErr != nil {
		logger.Warn("warpmetrics: invalid environment configuration, using defaults", "error", envErr)
	}
	logger.Debug("warpmetrics: config",
		"base_url", cfg.BaseURL,
		"api_key", maskKey(cfg.APIKey),
		"enabled", cfg.Enabled,
		"flush_interval", cfg.FlushInterval,
		"max_batch_size", cfg.MaxBatchSize,
	)

	return &Client{
		logger: logger,
		transport: transport.New(transport.Config{
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			Enabled:       cfg.Enabled,
			FlushInterval: cfg.FlushInterval,
			MaxBatchSize:  cfg.MaxBatchSize,
			MaxQueueSize:  o.maxQueueSize,
			Debug:         cfg.Debug,
			Version:       Version,
			HTTPClient:    o.httpClient,
			Logger:        logger,
		}),
		buf: callbuf.New(),
		reg: registry.New(),
	}
}

// Flush delivers every queued event now. A rate-limited batch is queued
// again and retried after the backoff delay without an error. Any other
// delivery failure re-queues the batch and is returned.
func (c *Client) Flush(ctx context.Context) error {
	return c.transport.Flush(ctx)
}

// Close stops the flush timer, delivers whatever is still queued and rejects
// further events. Call it before the process exits.
func (c *Client) Close(ctx context.Context) error {
	return c.transport.Close(ctx)
}

// Pending returns the number of queued events.
func (c *Client) Pending() int {
	return c.transport.Len()
}

// maskKey keeps the first 10 and last 4 characters of an API key.
func maskKey(key string) string {
	switch {
	case key == "":
		return "(none)"
	case len(key) <= 14:
		return "***"
	default:
		return key[:10] + "..." + key[len(key)-4:]
	}
}

// newLogger returns the logger the client writes through. Debug records are
// dropped unless debug is on, whatever the level of the supplied logger.
func newLogger(base *slog.Logger, debug bool) *slog.Logger {
	if base == nil {
		if debug {
			return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
		base = slog.Default()
	}
	if debug {
		return base
	}
	return slog.New(minLevelHandler{Handler: base.Handler(), min: slog.LevelInfo})
}

// minLevelHandler drops records below min before they reach Handler.
type minLevelHandler struct {
	slog.Handler
	min slog.Level
}

func (h minLevelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.min && h.Handler.Enabled(ctx, l)
}

func (h minLevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return minLevelHandler{Handler: h.Handler.WithAttrs(attrs), min: h.min}
}

func (h minLevelHandler) WithGroup(name string) slog.Handler {
	return minLevelHandler{Handler: h.Handler.WithGroup(name), min: h.min}
}
