package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	warp "github.com/warpmetrics/warp-go"
	"github.com/warpmetrics/warp-go/api"
	"github.com/warpmetrics/warp-go/internal/ids"
	"github.com/warpmetrics/warp-go/internal/model"
	"github.com/warpmetrics/warp-go/internal/ratelimit"
	"github.com/warpmetrics/warp-go/internal/server"
	"github.com/warpmetrics/warp-go/internal/storage"
	"github.com/warpmetrics/warp-go/internal/testutil"
)

const testKey = "wm_live_0123456789abcdef"

type testEnv struct {
	srv *httptest.Server
	db  *storage.DB
}

func newTestEnv(t *testing.T, mutate func(*server.ServerConfig)) *testEnv {
	t.Helper()
	db := testutil.NewTestDB(t, storage.MemoryPath)

	cfg := server.ServerConfig{
		DB:                  db,
		Logger:              testutil.DiscardLogger(),
		APIKeys:             []string{testKey},
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         api.OpenAPISpec,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, db: db}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var env struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotEmpty(t, env.Meta.RequestID)
	return env.Data
}

func envelopeBody(t *testing.T, b model.Batch) io.Reader {
	t.Helper()
	env, _, err := b.Encode()
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := http.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	h := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Storage)
	assert.Equal(t, "test", h.Version)
}

func TestHealthUnhealthyWhenStorageClosed(t *testing.T) {
	e := newTestEnv(t, nil)
	require.NoError(t, e.db.Close())

	resp, err := http.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", decodeData[model.HealthResponse](t, resp).Status)
}

func TestOpenAPISpecIsPublic(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := http.Get(e.srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/v1/events")
}

func TestIngestRequiresKnownKey(t *testing.T) {
	e := newTestEnv(t, nil)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/events", strings.NewReader(`{"d":""}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wm_live_other")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngestStoresBatchOnce(t *testing.T) {
	e := newTestEnv(t, nil)
	now := time.Now().UTC()
	runID := ids.New(ids.Run)
	callID := ids.New(ids.Call)
	b := model.Batch{
		Runs:  []model.RunEvent{{ID: runID, Label: "nightly", Timestamp: now}},
		Calls: []model.CallEvent{{ID: callID, Provider: "openai", Model: "gpt-4o", Status: model.StatusSuccess, EndedAt: now}},
		Links: []model.LinkEvent{{ParentID: runID, ChildID: callID, Type: model.LinkCall, Timestamp: now}},
	}

	resp := e.do(t, http.MethodPost, "/v1/events", envelopeBody(t, b))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeData[model.IngestResult](t, resp)
	assert.Equal(t, model.IngestResult{Received: 3, Processed: 3}, got)

	resp = e.do(t, http.MethodPost, "/v1/events", envelopeBody(t, b))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decodeData[model.IngestResult](t, resp)
	assert.Equal(t, model.IngestResult{Received: 3, Processed: 0}, got)
}

func TestIngestRejectsBadPayloads(t *testing.T) {
	e := newTestEnv(t, func(c *server.ServerConfig) { c.MaxRequestBodyBytes = 512 })

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", `nope`, http.StatusBadRequest},
		{"unknown field", `{"d":"e30=","x":1}`, http.StatusBadRequest},
		{"empty payload", `{"d":""}`, http.StatusBadRequest},
		{"not base64", `{"d":"***"}`, http.StatusBadRequest},
		{"run without id", `{"d":"` + mustEncode(t, model.Batch{Runs: []model.RunEvent{{Label: "x"}}}) + `"}`, http.StatusBadRequest},
		{"bad link type", `{"d":"` + mustEncode(t, model.Batch{Links: []model.LinkEvent{{ParentID: "a", ChildID: "b", Type: "run"}}}) + `"}`, http.StatusBadRequest},
		{"too large", `{"d":"` + strings.Repeat("A", 1024) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, "/v1/events", strings.NewReader(tt.body))
			assert.Equal(t, tt.want, resp.StatusCode)
			var body model.APIError
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)
		})
	}
}

func mustEncode(t *testing.T, b model.Batch) string {
	t.Helper()
	env, _, err := b.Encode()
	require.NoError(t, err)
	return env.D
}

func TestIngestRateLimitedPerKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newTestEnv(t, func(c *server.ServerConfig) { c.Limiter = limiter })

	resp := e.do(t, http.MethodPost, "/v1/events", envelopeBody(t, model.Batch{}))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/events", envelopeBody(t, model.Batch{}))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	var body model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
}

func TestGetRunNotFoundAndInvalid(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodGet, "/v1/runs/"+ids.New(ids.Run), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/runs/"+ids.New(ids.Group), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestSDKRoundTrip drives the SDK against a live collector and reads the
// stored graph back.
func TestSDKRoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)
	wm := warp.New(
		warp.WithAPIKey(testKey),
		warp.WithBaseURL(e.srv.URL),
		warp.WithFlushInterval(time.Hour),
		warp.WithLogger(testutil.DiscardLogger()),
	)

	run := wm.Run("code-review", warp.Opts{"pr": 42})
	grp := wm.Group(run, "planner", nil)
	call, ok := wm.Trace(run, warp.TraceData{
		Provider: "anthropic",
		Model:    "claude-sonnet-4",
		Messages: []map[string]string{{"role": "user", "content": "review"}},
		Response: "looks good",
		Tokens:   &warp.Tokens{Prompt: 10, Completion: 5, Total: 15},
	})
	require.True(t, ok)
	oc, ok := wm.Outcome(run, "Approved", nil)
	require.True(t, ok)
	_, ok = wm.Act(oc, "merge", nil)
	require.True(t, ok)

	require.NoError(t, wm.Close(context.Background()))

	resp := e.do(t, http.MethodGet, "/v1/runs?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decodeData[[]model.StoredRun](t, resp)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, map[string]any{"pr": float64(42)}, runs[0].Opts)

	resp = e.do(t, http.MethodGet, "/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeData[model.RunDetail](t, resp)

	require.Len(t, detail.Links, 2)
	assert.ElementsMatch(t, []string{grp.ID, call.ID}, []string{detail.Links[0].ChildID, detail.Links[1].ChildID})
	require.Len(t, detail.Calls, 1)
	assert.Equal(t, call.ID, detail.Calls[0].ID)
	require.NotNil(t, detail.Calls[0].Tokens)
	assert.Equal(t, 15, detail.Calls[0].Tokens.Total)
	require.Len(t, detail.Outcomes, 1)
	assert.Equal(t, oc.ID, detail.Outcomes[0].ID)
}
