// Package model defines the wire events exchanged between the SDK and the
// collector, and the collector's HTTP API envelopes.
package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Uptime  int64  `json:"uptime_seconds"`
}

// StoredRun is a run as persisted by the collector.
type StoredRun struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	RefID      *string        `json:"ref_id,omitempty"`
	Opts       map[string]any `json:"opts,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	ReceivedAt time.Time      `json:"received_at"`
}

// StoredCall is the summary of a stored call.
type StoredCall struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	Tokens       *Tokens   `json:"tokens,omitempty"`
	CostOverride *int64    `json:"cost_override,omitempty"`
	EndedAt      time.Time `json:"ended_at"`
}

// RunDetail is the response for GET /v1/runs/{id}.
type RunDetail struct {
	Run      StoredRun      `json:"run"`
	Links    []LinkEvent    `json:"links"`
	Calls    []StoredCall   `json:"calls"`
	Outcomes []OutcomeEvent `json:"outcomes"`
}
