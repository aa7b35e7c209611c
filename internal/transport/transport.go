// Package transport batches tracking events and delivers them to the collector.
//
// Events accumulate in six per-type queues. A flush is triggered by an explicit
// Flush call, by the total queue length reaching MaxBatchSize, or by a timer
// armed on the first enqueue after a flush. Each flush atomically drains every
// queue, so concurrent flushes partition the pending events without
// duplicating any of them. A failed delivery puts the batch back at the front
// of each queue.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warpmetrics/warp-go/internal/model"
)

// Defaults.
const (
	DefaultBaseURL       = "https://api.warpmetrics.com"
	DefaultFlushInterval = time.Second
	DefaultMaxBatchSize  = 100
	DefaultMaxQueueSize  = 100_000
	defaultHTTPTimeout   = 30 * time.Second
)

// Config controls delivery. Zero values fall back to the defaults above.
type Config struct {
	APIKey        string
	BaseURL       string
	Enabled       bool
	FlushInterval time.Duration
	// MaxBatchSize is the total across all queues that triggers an eager flush.
	MaxBatchSize int
	// MaxQueueSize bounds the queued events. Further events are dropped.
	MaxQueueSize int
	Debug        bool
	// Version is sent as X-SDK-Version.
	Version    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Transport is safe for concurrent use.
type Transport struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	queue   model.Batch
	timer   *time.Timer
	backoff *backoffState
	closed  bool
	// inFlight counts flushes between drain and delivery result.
	inFlight int

	dropped   atomic.Int64
	delivered atomic.Int64

	// bgCtx scopes timer and eager flushes; Close cancels it.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New creates a Transport and registers its metrics.
func New(cfg Config) *Transport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:      cfg,
		client:   client,
		logger:   cfg.Logger,
		backoff:  newBackoffState(),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	t.registerMetrics()
	return t
}

// LogRun queues a run event.
func (t *Transport) LogRun(e model.RunEvent) {
	t.enqueue(e, func(q *model.Batch) { q.Runs = append(q.Runs, e) })
}

// LogGroup queues a group event.
func (t *Transport) LogGroup(e model.GroupEvent) {
	t.enqueue(e, func(q *model.Batch) { q.Groups = append(q.Groups, e) })
}

// LogCall queues a call event.
func (t *Transport) LogCall(e model.CallEvent) {
	t.enqueue(e, func(q *model.Batch) { q.Calls = append(q.Calls, e) })
}

// LogLink queues a link event.
func (t *Transport) LogLink(e model.LinkEvent) {
	t.enqueue(e, func(q *model.Batch) { q.Links = append(q.Links, e) })
}

// LogOutcome queues an outcome event.
func (t *Transport) LogOutcome(e model.OutcomeEvent) {
	t.enqueue(e, func(q *model.Batch) { q.Outcomes = append(q.Outcomes, e) })
}

// LogAct queues an act event.
func (t *Transport) LogAct(e model.ActEvent) {
	t.enqueue(e, func(q *model.Batch) { q.Acts = append(q.Acts, e) })
}

// enqueue adds one event. An event JSON cannot encode is dropped here so it
// never reaches a batch.
func (t *Transport) enqueue(e any, add func(q *model.Batch)) {
	if !t.cfg.Enabled {
		return
	}
	if _, err := json.Marshal(e); err != nil {
		t.dropped.Add(1)
		t.logger.Warn("warpmetrics: event cannot be encoded, dropped", "error", err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.logger.Debug("warpmetrics: transport closed, event dropped")
		return
	}
	if t.queue.Len() >= t.cfg.MaxQueueSize {
		t.mu.Unlock()
		t.dropped.Add(1)
		t.logger.Warn("warpmetrics: queue at capacity, event dropped", "capacity", t.cfg.MaxQueueSize)
		return
	}
	add(&t.queue)

	// While rate limited, the backoff timer decides when to send. While a
	// flush is in flight, the timer picks up the overflow.
	eager := t.queue.Len() >= t.cfg.MaxBatchSize && !t.backoff.active && t.inFlight == 0
	if eager {
		t.bg.Add(1)
	} else if t.timer == nil {
		t.armLocked(t.cfg.FlushInterval)
	}
	t.mu.Unlock()

	if eager {
		go t.backgroundFlush("eager")
	}
}

// Flush drains every queue and delivers the batch. A pending timer flush is
// cancelled. Rate limiting is not reported as an error: the batch is queued
// again and retried after the backoff delay. Any other delivery failure
// re-queues the batch and is returned. Events that cannot be encoded are
// dropped and the rest of the batch is still sent.
func (t *Transport) Flush(ctx context.Context) error {
	t.mu.Lock()
	t.stopTimerLocked()
	batch := t.drainLocked()
	n := batch.Len()
	if n == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.cfg.APIKey == "" {
		t.mu.Unlock()
		t.logger.Debug("warpmetrics: no API key, events discarded", "count", n)
		return nil
	}
	t.inFlight++
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.inFlight--
		t.mu.Unlock()
	}()

	t.logger.Debug("warpmetrics: flushing events",
		"count", n,
		"runs", len(batch.Runs),
		"groups", len(batch.Groups),
		"calls", len(batch.Calls),
		"links", len(batch.Links),
		"outcomes", len(batch.Outcomes),
		"acts", len(batch.Acts),
	)

	err := t.deliver(ctx, batch)
	if errors.Is(err, model.ErrUnencodable) {
		// Opts mutated after logging can still break encoding.
		var removed int
		batch, removed = batch.Prune()
		t.dropped.Add(int64(removed))
		t.logger.Warn("warpmetrics: dropped events that cannot be encoded", "dropped", removed, "error", err)
		if n = batch.Len(); n == 0 {
			return nil
		}
		err = t.deliver(ctx, batch)
		if errors.Is(err, model.ErrUnencodable) {
			t.dropped.Add(int64(n))
			return fmt.Errorf("transport: dropped %d events: %w", n, err)
		}
	}
	if err == nil {
		t.mu.Lock()
		t.backoff.reset()
		t.mu.Unlock()
		t.delivered.Add(int64(n))
		return nil
	}

	if retryAfter, limited := rateLimited(err); limited {
		t.mu.Lock()
		delay := t.backoff.next(retryAfter)
		retries := t.backoff.retries
		t.requeueLocked(batch)
		t.stopTimerLocked()
		t.armLocked(delay)
		t.mu.Unlock()
		t.logger.Debug("warpmetrics: rate limited, backing off",
			"delay_ms", delay.Milliseconds(),
			"retries", retries,
		)
		return nil
	}

	t.mu.Lock()
	t.requeueLocked(batch)
	if t.timer == nil && !t.closed {
		t.armLocked(t.cfg.FlushInterval)
	}
	t.mu.Unlock()
	t.logger.Debug("warpmetrics: flush failed", "error", err, "count", n)
	return fmt.Errorf("transport: flush %d events: %w", n, err)
}

// Close stops the timer, waits for background flushes and delivers whatever
// is still queued. Events logged after Close are dropped.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.stopTimerLocked()
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.logger.Warn("warpmetrics: close timed out waiting for background flush")
	}
	t.bgCancel()

	if err := t.Flush(ctx); err != nil {
		return err
	}
	if n := t.Len(); n > 0 {
		return fmt.Errorf("transport: %d events undelivered at close", n)
	}
	return nil
}

// Len returns the number of queued events.
func (t *Transport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len()
}

// Dropped returns the number of events dropped at capacity or because they
// could not be encoded.
func (t *Transport) Dropped() int64 {
	return t.dropped.Load()
}

// Clear discards every queued event without sending it.
func (t *Transport) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked()
	t.queue = model.Batch{}
}

// Backoff reports the rate-limit state: whether it is active, the number of
// consecutive 429 responses and the current delay.
func (t *Transport) Backoff() (active bool, retries int, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backoff.active, t.backoff.retries, t.backoff.delay
}

// backgroundFlush runs a flush nobody waits on. Callers have done t.bg.Add(1).
func (t *Transport) backgroundFlush(trigger string) {
	defer t.bg.Done()
	if err := t.Flush(t.bgCtx); err != nil {
		t.logger.Warn("warpmetrics: background flush failed", "trigger", trigger, "error", err)
	}
}

// armLocked schedules a flush after d. Callers hold t.mu.
func (t *Transport) armLocked(d time.Duration) {
	if t.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.timer != timer {
			// Cancelled or replaced after firing.
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.bg.Add(1)
		t.mu.Unlock()

		t.backgroundFlush("timer")
	})
	t.timer = timer
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Transport) drainLocked() model.Batch {
	batch := t.queue
	t.queue = model.Batch{}
	return batch
}

// requeueLocked puts batch back in front of anything queued since the drain,
// preserving relative order. Over capacity, the batch is dropped instead.
func (t *Transport) requeueLocked(batch model.Batch) {
	if t.queue.Len()+batch.Len() > t.cfg.MaxQueueSize {
		t.dropped.Add(int64(batch.Len()))
		t.logger.Error("warpmetrics: dropping events, queue at capacity after failed flush", "dropped", batch.Len())
		return
	}
	t.queue.Runs = append(batch.Runs, t.queue.Runs...)
	t.queue.Groups = append(batch.Groups, t.queue.Groups...)
	t.queue.Calls = append(batch.Calls, t.queue.Calls...)
	t.queue.Links = append(batch.Links, t.queue.Links...)
	t.queue.Outcomes = append(batch.Outcomes, t.queue.Outcomes...)
	t.queue.Acts = append(batch.Acts, t.queue.Acts...)
}
