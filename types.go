package warp

import (
	"time"

	"github.com/warpmetrics/warp-go/internal/model"
)

// EventType names the kind of entity a handle refers to.
type EventType string

const (
	EventRun     EventType = "run"
	EventGroup   EventType = "group"
	EventCall    EventType = "call"
	EventOutcome EventType = "outcome"
	EventAct     EventType = "act"
)

// Opts is free-form metadata attached to an event. Keys and values are sent
// to the collector as JSON.
type Opts map[string]any

// Handle is the immutable reference returned by every graph operation. Pass
// it back as a target to link further entities to it.
type Handle struct {
	ID   string
	Type EventType
}

// Descriptor describes an event whose target does not exist yet. It has no
// effect until it is passed to Reserve.
type Descriptor struct {
	EventType EventType
	Name      string
	Opts      Opts
}

// Reservation is a pre-allocated id for an event that has not been emitted.
// Ref resolves it immediately.
type Reservation struct {
	ID   string
	Type EventType
	Name string
	Opts Opts
}

// Tokens is the provider-neutral token accounting of one call.
type Tokens = model.Tokens

// ToolCall is one tool invocation requested by a model.
type ToolCall = model.ToolCall

// TraceData describes a call made outside a wrapped client. Provider and
// Model are required.
type TraceData struct {
	Provider  string
	Model     string
	Messages  any
	Response  string
	Tools     []string
	ToolCalls []ToolCall
	Tokens    *Tokens
	// Latency is the time to the first token, if known.
	Latency   time.Duration
	StartedAt time.Time
	// EndedAt defaults to the time Trace is called.
	EndedAt time.Time
	// Status defaults to "success". Error calls never carry tokens.
	Status string
	Error  string
	Opts   Opts
	// Cost overrides the collector's price computation, in currency units.
	Cost *float64
}
