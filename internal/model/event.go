package model

import (
	"encoding/json"
	"time"
)

// Call statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// LinkType is the kind of child a Link attaches.
type LinkType string

const (
	LinkGroup LinkType = "group"
	LinkCall  LinkType = "call"
)

// Tokens is the provider-neutral token accounting for one call.
//
// Prompt always includes every input-side token the vendor billed, cached or
// not. CacheWrite and CacheRead are set by vendors that report cache counters
// as disjoint from input tokens; CachedInput is set by vendors that report the
// cached subset inside the input count. Neither is ever added to Prompt twice.
type Tokens struct {
	Prompt      int  `json:"prompt"`
	Completion  int  `json:"completion"`
	Total       int  `json:"total"`
	CacheWrite  *int `json:"cacheWrite,omitempty"`
	CacheRead   *int `json:"cacheRead,omitempty"`
	CachedInput *int `json:"cachedInput,omitempty"`
}

// ToolCall is one function/tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// RunEvent is the queued record for a Run.
type RunEvent struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	RefID     *string        `json:"refId"`
	Opts      map[string]any `json:"opts,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// GroupEvent is the queued record for a Group.
type GroupEvent struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	ParentID  *string        `json:"parentId"`
	Opts      map[string]any `json:"opts,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// CallEvent is the normalized record of one provider request/response.
// Error calls carry Error and never Tokens.
type CallEvent struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Messages     json.RawMessage `json:"messages"`
	Response     *string         `json:"response,omitempty"`
	Tools        []string        `json:"tools"`
	ToolCalls    []ToolCall      `json:"toolCalls"`
	Tokens       *Tokens         `json:"tokens,omitempty"`
	Duration     *int64          `json:"duration,omitempty"`
	Latency      *int64          `json:"latency,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	EndedAt      time.Time       `json:"endedAt"`
	Status       string          `json:"status"`
	Error        string          `json:"error,omitempty"`
	Opts         map[string]any  `json:"opts,omitempty"`
	CostOverride *int64          `json:"costOverride,omitempty"`
}

// LinkEvent records a parent to child edge.
type LinkEvent struct {
	ParentID  string    `json:"parentId"`
	ChildID   string    `json:"childId"`
	Type      LinkType  `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// OutcomeEvent is the queued record for an Outcome.
type OutcomeEvent struct {
	ID        string         `json:"id"`
	RefID     string         `json:"refId"`
	Name      string         `json:"name"`
	Opts      map[string]any `json:"opts,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActEvent is the queued record for an Act.
type ActEvent struct {
	ID        string         `json:"id"`
	RefID     string         `json:"refId"`
	Name      string         `json:"name"`
	Opts      map[string]any `json:"opts,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Batch is the payload delivered to the collector in one request.
// Every field is always present on the wire, empty queues as [].
type Batch struct {
	Runs     []RunEvent     `json:"runs"`
	Groups   []GroupEvent   `json:"groups"`
	Calls    []CallEvent    `json:"calls"`
	Links    []LinkEvent    `json:"links"`
	Outcomes []OutcomeEvent `json:"outcomes"`
	Acts     []ActEvent     `json:"acts"`
}

// Len returns the number of events across all queues.
func (b *Batch) Len() int {
	return len(b.Runs) + len(b.Groups) + len(b.Calls) + len(b.Links) + len(b.Outcomes) + len(b.Acts)
}

// Envelope wraps the base64-encoded JSON batch.
type Envelope struct {
	D string `json:"d"`
}

// IngestResult is the collector's acknowledgment of one batch.
type IngestResult struct {
	Received  int `json:"received"`
	Processed int `json:"processed"`
}
