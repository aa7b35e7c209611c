package provider

import (
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"

	"github.com/warpmetrics/warp-go/internal/model"
)

// Anthropic normalizes the Messages API.
//
// Anthropic reports input, output, cache creation and cache read tokens as four
// disjoint counters, so the prompt total is their input-side sum.
type Anthropic struct{}

func (Anthropic) Kind() Kind   { return KindAnthropic }
func (Anthropic) Name() string { return "anthropic" }

func (Anthropic) Detect(client any) bool {
	switch client.(type) {
	case *anthropic.Client, *anthropic.MessageService:
		return true
	}
	return false
}

func (a Anthropic) Extract(raw string) Extraction {
	r := gjson.Parse(raw)

	var text strings.Builder
	var calls []model.ToolCall
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			calls = append(calls, model.ToolCall{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: block.Get("input").Raw,
			})
		}
		return true
	})

	return Extraction{
		Response:  text.String(),
		Tokens:    a.NormalizeUsage(UsageOf(r.Get("usage"))),
		ToolCalls: calls,
	}
}

// StreamDelta reads content from content_block_delta and usage from the two
// lifecycle events that carry it: message_start (input side) and
// message_delta (output side).
func (Anthropic) StreamDelta(raw string) Delta {
	r := gjson.Parse(raw)
	switch r.Get("type").String() {
	case "content_block_delta":
		return Delta{Content: r.Get("delta.text").String()}
	case "message_start":
		return Delta{Usage: UsageOf(r.Get("message.usage"))}
	case "message_delta":
		return Delta{Usage: UsageOf(r.Get("usage"))}
	}
	return Delta{}
}

func (Anthropic) NormalizeUsage(u Usage) model.Tokens {
	input := u.int("input_tokens")
	output := u.int("output_tokens")
	cacheWrite := u.int("cache_creation_input_tokens")
	cacheRead := u.int("cache_read_input_tokens")

	prompt := input + cacheWrite + cacheRead
	return model.Tokens{
		Prompt:     prompt,
		Completion: output,
		Total:      prompt + output,
		CacheWrite: intPtr(cacheWrite),
		CacheRead:  intPtr(cacheRead),
	}
}
