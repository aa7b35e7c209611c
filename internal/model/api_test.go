package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpmetrics/warp-go/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

func TestAPIErrorEnvelope(t *testing.T) {
	raw, err := json.Marshal(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "rate limit exceeded"},
		Meta:  model.ResponseMeta{RequestID: "req-1", Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"error": {"code": "RATE_LIMITED", "message": "rate limit exceeded"},
		"meta": {"request_id": "req-1", "timestamp": "2026-01-02T03:04:05Z"}
	}`, string(raw))
}

func TestAPIResponseOmitsNilData(t *testing.T) {
	raw, err := json.Marshal(model.APIResponse{Meta: model.ResponseMeta{RequestID: "r"}})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"data"`)
}

func TestIngestResultShape(t *testing.T) {
	raw, err := json.Marshal(model.APIResponse{Data: model.IngestResult{Received: 5, Processed: 3}})
	require.NoError(t, err)

	var got struct {
		Data model.IngestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, model.IngestResult{Received: 5, Processed: 3}, got.Data)
}

func TestStoredCallOptionalFields(t *testing.T) {
	raw, err := json.Marshal(model.StoredCall{ID: "wm_call_1", Status: model.StatusError})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "tokens")
	assert.NotContains(t, string(raw), "cost_override")

	raw, err = json.Marshal(model.StoredCall{
		ID:           "wm_call_2",
		Status:       model.StatusSuccess,
		Tokens:       &model.Tokens{Prompt: 1, Completion: 2, Total: 3, CachedInput: ptr(1)},
		CostOverride: ptr(int64(5000)),
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"cachedInput":1`)
	assert.Contains(t, string(raw), `"cost_override":5000`)
}

func TestBatchLen(t *testing.T) {
	b := model.Batch{
		Runs:  []model.RunEvent{{ID: "a"}, {ID: "b"}},
		Calls: []model.CallEvent{{ID: "c"}},
		Links: []model.LinkEvent{{ParentID: "a", ChildID: "c", Type: model.LinkCall}},
		Acts:  []model.ActEvent{{ID: "d"}},
	}
	assert.Equal(t, 5, b.Len())
	assert.Zero(t, (&model.Batch{}).Len())
}
