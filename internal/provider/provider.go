// Package provider normalizes vendor responses, stream chunks and usage
// counters into the provider-neutral call model.
//
// Each supported API surface is one Adapter. Adapters work on the raw JSON a
// vendor returned (every SDK result type exposes it through RawJSON), so they
// never depend on the SDK's typed accessors and tolerate missing fields.
package provider

import (
	"github.com/tidwall/gjson"

	"github.com/warpmetrics/warp-go/internal/model"
)

// Kind identifies one adapter.
type Kind string

const (
	KindAnthropic       Kind = "anthropic"
	KindOpenAIChat      Kind = "openai-chat"
	KindOpenAIResponses Kind = "openai-responses"
)

// Extraction is the normalized content of one completed call.
type Extraction struct {
	Response  string
	Tokens    model.Tokens
	ToolCalls []model.ToolCall
}

// Delta is what one streaming chunk contributes. Content is empty and Usage is
// nil when the chunk carries neither.
type Delta struct {
	Content string
	Usage   Usage
}

// Adapter is implemented once per vendor API surface.
type Adapter interface {
	Kind() Kind
	// Name is the provider name recorded on call events.
	Name() string
	// Detect reports whether client is an SDK handle this adapter instruments.
	Detect(client any) bool
	Extract(raw string) Extraction
	StreamDelta(raw string) Delta
	NormalizeUsage(u Usage) model.Tokens
}

// Detection order. The vendors are disjoint, but a whole OpenAI client matches
// both OpenAI adapters and resolves to the chat one.
var adapters = []Adapter{OpenAIChat{}, OpenAIResponses{}, Anthropic{}}

// Detect returns the first adapter that recognizes client.
func Detect(client any) (Adapter, bool) {
	if client == nil {
		return nil, false
	}
	for _, a := range adapters {
		if a.Detect(client) {
			return a, true
		}
	}
	return nil, false
}

// ForKind returns the adapter for k.
func ForKind(k Kind) (Adapter, bool) {
	for _, a := range adapters {
		if a.Kind() == k {
			return a, true
		}
	}
	return nil, false
}

// Usage is a partial vendor usage object keyed by its raw field names.
type Usage map[string]gjson.Result

// UsageOf reads a usage object. Null fields are skipped so that a later
// partial object never erases an earlier value.
func UsageOf(r gjson.Result) Usage {
	if !r.IsObject() {
		return nil
	}
	u := make(Usage)
	r.ForEach(func(k, v gjson.Result) bool {
		if v.Type != gjson.Null {
			u[k.String()] = v
		}
		return true
	})
	if len(u) == 0 {
		return nil
	}
	return u
}

// Merge folds next into u, later fields winning, and returns the result.
func (u Usage) Merge(next Usage) Usage {
	if next == nil {
		return u
	}
	if u == nil {
		u = make(Usage, len(next))
	}
	for k, v := range next {
		u[k] = v
	}
	return u
}

func (u Usage) int(key string) int {
	return int(u[key].Int())
}

func (u Usage) nested(key, path string) int {
	return int(u[key].Get(path).Int())
}

func intPtr(n int) *int { return &n }
