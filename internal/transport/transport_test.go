package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpmetrics/warp-go/internal/model"
)

// collector records every batch posted to it.
type collector struct {
	mu      sync.Mutex
	batches []model.Batch
	headers []http.Header
	status  atomic.Int32
	retry   atomic.Value // string
	delay   time.Duration
}

func newCollector(t *testing.T) (*collector, *httptest.Server) {
	t.Helper()
	c := &collector{}
	c.status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.delay > 0 {
			time.Sleep(c.delay)
		}
		if r.Method != http.MethodPost || r.URL.Path != EventsPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if status := int(c.status.Load()); status != http.StatusOK {
			if ra, ok := c.retry.Load().(string); ok && ra != "" {
				w.Header().Set("Retry-After", ra)
			}
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"code":"X","message":"nope"}}`)
			return
		}
		var env model.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		batch, err := env.Decode()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.batches = append(c.batches, batch)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": model.IngestResult{Received: batch.Len(), Processed: batch.Len()}})
	}))
	t.Cleanup(srv.Close)
	return c, srv
}

func (c *collector) received() []model.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Batch(nil), c.batches...)
}

func (c *collector) total() int {
	n := 0
	for _, b := range c.received() {
		n += b.Len()
	}
	return n
}

func testConfig(url string) Config {
	return Config{
		APIKey:        "wm_test_key",
		BaseURL:       url,
		Enabled:       true,
		FlushInterval: time.Hour,
		MaxBatchSize:  100,
		Version:       "0.0.0-test",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func call(id string) model.CallEvent {
	return model.CallEvent{ID: id, Provider: "openai", Model: "gpt-4o", Status: model.StatusSuccess}
}

func TestFlushPostsEnvelope(t *testing.T) {
	c, srv := newCollector(t)
	tr := New(testConfig(srv.URL + "/"))

	tr.LogRun(model.RunEvent{ID: "wm_run_1", Label: "review"})
	tr.LogCall(call("wm_call_1"))
	tr.LogLink(model.LinkEvent{ParentID: "wm_run_1", ChildID: "wm_call_1", Type: model.LinkCall})
	require.Equal(t, 3, tr.Len())

	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 0, tr.Len())

	batches := c.received()
	require.Len(t, batches, 1)
	assert.Equal(t, "wm_run_1", batches[0].Runs[0].ID)
	assert.Equal(t, "wm_call_1", batches[0].Calls[0].ID)
	assert.Equal(t, model.LinkCall, batches[0].Links[0].Type)

	h := c.headers[0]
	assert.Equal(t, "Bearer wm_test_key", h.Get("Authorization"))
	assert.Equal(t, "0.0.0-test", h.Get("X-SDK-Version"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestFlushEmptyQueueSendsNothing(t *testing.T) {
	c, srv := newCollector(t)
	tr := New(testConfig(srv.URL))
	require.NoError(t, tr.Flush(context.Background()))
	assert.Empty(t, c.received())
}

func TestEagerFlushAtMaxBatchSize(t *testing.T) {
	c, srv := newCollector(t)
	cfg := testConfig(srv.URL)
	cfg.MaxBatchSize = 3
	tr := New(cfg)

	tr.LogRun(model.RunEvent{ID: "wm_run_1"})
	tr.LogGroup(model.GroupEvent{ID: "wm_grp_1"})
	assert.Empty(t, c.received())
	tr.LogLink(model.LinkEvent{ParentID: "wm_run_1", ChildID: "wm_grp_1", Type: model.LinkGroup})

	assert.Eventually(t, func() bool { return c.total() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestTimerFlush(t *testing.T) {
	c, srv := newCollector(t)
	cfg := testConfig(srv.URL)
	cfg.FlushInterval = 20 * time.Millisecond
	tr := New(cfg)

	tr.LogOutcome(model.OutcomeEvent{ID: "wm_oc_1", RefID: "wm_run_1", Name: "completed"})
	assert.Eventually(t, func() bool { return c.total() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestExplicitFlushCancelsTimer(t *testing.T) {
	c, srv := newCollector(t)
	cfg := testConfig(srv.URL)
	cfg.FlushInterval = 30 * time.Millisecond
	tr := New(cfg)

	tr.LogAct(model.ActEvent{ID: "wm_act_1", RefID: "wm_oc_1", Name: "retry"})
	require.NoError(t, tr.Flush(context.Background()))
	time.Sleep(120 * time.Millisecond)

	assert.Len(t, c.received(), 1)
}

func TestNoAPIKeyDiscards(t *testing.T) {
	c, srv := newCollector(t)
	cfg := testConfig(srv.URL)
	cfg.APIKey = ""
	tr := New(cfg)

	tr.LogCall(call("wm_call_1"))
	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 0, tr.Len(), "discarded, not retried")
	assert.Empty(t, c.received())
}

func TestDisabledDropsAtEnqueue(t *testing.T) {
	_, srv := newCollector(t)
	cfg := testConfig(srv.URL)
	cfg.Enabled = false
	tr := New(cfg)

	tr.LogRun(model.RunEvent{ID: "wm_run_1"})
	tr.LogCall(call("wm_call_1"))
	assert.Equal(t, 0, tr.Len())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestNetworkFailureRequeuesInOrder(t *testing.T) {
	c, srv := newCollector(t)
	var fail atomic.Bool
	fail.Store(true)
	cfg := testConfig(srv.URL)
	cfg.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if fail.Load() {
			return nil, errors.New("connection reset")
		}
		return http.DefaultTransport.RoundTrip(r)
	})}
	tr := New(cfg)

	tr.LogCall(call("wm_call_1"))
	tr.LogCall(call("wm_call_2"))
	tr.LogLink(model.LinkEvent{ParentID: "wm_run_1", ChildID: "wm_call_1", Type: model.LinkCall})

	err := tr.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 3, tr.Len())

	tr.LogCall(call("wm_call_3"))
	fail.Store(false)
	require.NoError(t, tr.Flush(context.Background()))

	batches := c.received()
	require.Len(t, batches, 1)
	var got []string
	for _, e := range batches[0].Calls {
		got = append(got, e.ID)
	}
	assert.Equal(t, []string{"wm_call_1", "wm_call_2", "wm_call_3"}, got)
	assert.Len(t, batches[0].Links, 1)
}

func TestServerErrorIsReturned(t *testing.T) {
	c, srv := newCollector(t)
	c.status.Store(http.StatusInternalServerError)
	tr := New(testConfig(srv.URL))

	tr.LogCall(call("wm_call_1"))
	err := tr.Flush(context.Background())

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusInternalServerError, he.StatusCode)
	assert.Equal(t, 1, tr.Len())
	active, _, _ := tr.Backoff()
	assert.False(t, active, "only 429 engages backoff")
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	c, srv := newCollector(t)
	c.status.Store(http.StatusTooManyRequests)
	c.retry.Store("7")
	tr := New(testConfig(srv.URL))

	tr.LogCall(call("wm_call_1"))
	require.NoError(t, tr.Flush(context.Background()), "429 is absorbed")
	assert.Equal(t, 1, tr.Len())

	active, retries, delay := tr.Backoff()
	assert.True(t, active)
	assert.Equal(t, 1, retries)
	assert.Equal(t, 7*time.Second, delay)

	c.status.Store(http.StatusOK)
	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 1, c.total())

	active, retries, delay = tr.Backoff()
	assert.False(t, active)
	assert.Zero(t, retries)
	assert.Zero(t, delay)
}

func TestRateLimitWithoutRetryAfterUsesBackoff(t *testing.T) {
	c, srv := newCollector(t)
	c.status.Store(http.StatusTooManyRequests)
	cfg := testConfig(srv.URL)
	cfg.MaxBatchSize = 1
	tr := New(cfg)
	t.Cleanup(tr.Clear)

	tr.LogCall(call("wm_call_1"))
	require.NoError(t, tr.Flush(context.Background()))
	_, _, delay := tr.Backoff()
	assert.GreaterOrEqual(t, delay, 1400*time.Millisecond)
	assert.LessOrEqual(t, delay, 2600*time.Millisecond)

	// The batch size is exceeded but the eager flush waits for the backoff timer.
	tr.LogCall(call("wm_call_2"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, tr.Len())
	assert.Zero(t, c.total())
}

func TestBackoffGrowthAndCap(t *testing.T) {
	s := newBackoffState()
	for i := range 20 {
		base := backoffInitial << i
		if base > backoffMax || base <= 0 {
			base = backoffMax
		}
		d := s.next(0)
		lo := time.Duration(float64(base) * (1 - backoffJitter))
		hi := time.Duration(float64(base)*(1+backoffJitter)) + time.Millisecond
		assert.GreaterOrEqual(t, d, lo, "retry %d", i)
		assert.LessOrEqual(t, d, hi, "retry %d", i)
		assert.LessOrEqual(t, d, time.Duration(float64(backoffMax)*1.3)+time.Millisecond)
		assert.Equal(t, i+1, s.retries)
	}

	s.reset()
	assert.False(t, s.active)
	assert.Zero(t, s.retries)
	d := s.next(0)
	assert.LessOrEqual(t, d, 2600*time.Millisecond)
}

func TestConcurrentFlushesPartition(t *testing.T) {
	c, srv := newCollector(t)
	c.delay = 20 * time.Millisecond
	tr := New(testConfig(srv.URL))

	for i := range 50 {
		tr.LogLink(model.LinkEvent{ParentID: "wm_run_1", ChildID: string(rune('a' + i%26)), Type: model.LinkCall})
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.Flush(context.Background()))
		}()
		tr.LogCall(call("wm_call_x"))
	}
	wg.Wait()
	require.NoError(t, tr.Flush(context.Background()))

	assert.Equal(t, 54, c.total())
	assert.Equal(t, 0, tr.Len())
}

func TestQueueCapacityDrops(t *testing.T) {
	_, srv := newCollector(t)
	cfg := testConfig(srv.URL)
	cfg.MaxQueueSize = 2
	tr := New(cfg)

	tr.LogCall(call("wm_call_1"))
	tr.LogCall(call("wm_call_2"))
	tr.LogCall(call("wm_call_3"))

	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, int64(1), tr.Dropped())
}

func TestUnencodableEventDroppedAtEnqueue(t *testing.T) {
	c, srv := newCollector(t)
	tr := New(testConfig(srv.URL))

	tr.LogRun(model.RunEvent{ID: "wm_run_good", Label: "good"})
	tr.LogRun(model.RunEvent{ID: "wm_run_bad", Label: "bad", Opts: map[string]any{"score": math.NaN()}})
	tr.LogOutcome(model.OutcomeEvent{ID: "wm_oc_bad", RefID: "wm_run_good", Name: "x", Opts: map[string]any{"ch": make(chan int)}})
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, int64(2), tr.Dropped())

	require.NoError(t, tr.Flush(context.Background()))
	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 0, tr.Len())

	batches := c.received()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Runs, 1)
	assert.Equal(t, "wm_run_good", batches[0].Runs[0].ID)
}

func TestOptsBrokenAfterEnqueueDoNotWedgeQueue(t *testing.T) {
	c, srv := newCollector(t)
	tr := New(testConfig(srv.URL))

	opts := map[string]any{"score": 0.5}
	tr.LogRun(model.RunEvent{ID: "wm_run_good", Label: "good"})
	tr.LogAct(model.ActEvent{ID: "wm_act_1", RefID: "wm_oc_1", Name: "ship", Opts: opts})
	tr.LogCall(call("wm_call_1"))
	opts["score"] = math.Inf(1)

	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, int64(1), tr.Dropped())

	batches := c.received()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Runs, 1)
	assert.Len(t, batches[0].Calls, 1)
	assert.Empty(t, batches[0].Acts)
}

func TestEagerFlushWaitsForInFlightFlush(t *testing.T) {
	release := make(chan struct{})
	var requests atomic.Int32
	cfg := testConfig("http://collector.invalid")
	cfg.MaxBatchSize = 1
	cfg.HTTPClient = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		requests.Add(1)
		<-release
		return nil, errors.New("connection refused")
	})}
	tr := New(cfg)
	t.Cleanup(tr.Clear)

	tr.LogCall(call("wm_call_1"))
	require.Eventually(t, func() bool { return requests.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	for _, id := range []string{"wm_call_2", "wm_call_3", "wm_call_4"} {
		tr.LogCall(call(id))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), requests.Load(), "no new request while one is outstanding")

	close(release)
	require.Eventually(t, func() bool { return tr.Len() == 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseDeliversAndStopsAccepting(t *testing.T) {
	c, srv := newCollector(t)
	tr := New(testConfig(srv.URL))

	tr.LogRun(model.RunEvent{ID: "wm_run_1"})
	require.NoError(t, tr.Close(context.Background()))
	assert.Equal(t, 1, c.total())

	tr.LogRun(model.RunEvent{ID: "wm_run_2"})
	assert.Equal(t, 0, tr.Len())
	require.NoError(t, tr.Close(context.Background()))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
	assert.Zero(t, parseRetryAfter("-1"))
}
