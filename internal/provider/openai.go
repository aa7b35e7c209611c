package provider

import (
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/responses"
	"github.com/tidwall/gjson"

	"github.com/warpmetrics/warp-go/internal/model"
)

// OpenAI input counters already include cached tokens; the *_tokens_details
// cached count is reported as an informational subset only.

// OpenAIChat normalizes the Chat Completions API.
type OpenAIChat struct{}

func (OpenAIChat) Kind() Kind   { return KindOpenAIChat }
func (OpenAIChat) Name() string { return "openai" }

func (OpenAIChat) Detect(client any) bool {
	switch client.(type) {
	case *openai.Client, *openai.ChatService, *openai.ChatCompletionService:
		return true
	}
	return false
}

func (OpenAIChat) Extract(raw string) Extraction {
	r := gjson.Parse(raw)
	msg := r.Get("choices.0.message")
	u := r.Get("usage")

	var calls []model.ToolCall
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		calls = append(calls, model.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: tc.Get("function.arguments").String(),
		})
		return true
	})

	return Extraction{
		Response: msg.Get("content").String(),
		Tokens: model.Tokens{
			Prompt:      int(u.Get("prompt_tokens").Int()),
			Completion:  int(u.Get("completion_tokens").Int()),
			Total:       int(u.Get("total_tokens").Int()),
			CachedInput: intPtr(int(u.Get("prompt_tokens_details.cached_tokens").Int())),
		},
		ToolCalls: calls,
	}
}

// StreamDelta reads the first choice's content delta. Usage arrives once, on
// the final chunk, when the request asked for stream usage.
func (OpenAIChat) StreamDelta(raw string) Delta {
	r := gjson.Parse(raw)
	return Delta{
		Content: r.Get("choices.0.delta.content").String(),
		Usage:   UsageOf(r.Get("usage")),
	}
}

func (OpenAIChat) NormalizeUsage(u Usage) model.Tokens { return normalizeOpenAIUsage(u) }

// OpenAIResponses normalizes the Responses API.
type OpenAIResponses struct{}

func (OpenAIResponses) Kind() Kind   { return KindOpenAIResponses }
func (OpenAIResponses) Name() string { return "openai" }

func (OpenAIResponses) Detect(client any) bool {
	switch client.(type) {
	case *openai.Client, *responses.ResponseService:
		return true
	}
	return false
}

func (a OpenAIResponses) Extract(raw string) Extraction {
	r := gjson.Parse(raw)

	var text strings.Builder
	var calls []model.ToolCall
	r.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, c gjson.Result) bool {
				if c.Get("type").String() == "output_text" {
					text.WriteString(c.Get("text").String())
				}
				return true
			})
		case "function_call":
			calls = append(calls, model.ToolCall{
				ID:        item.Get("id").String(),
				Name:      item.Get("name").String(),
				Arguments: item.Get("arguments").String(),
			})
		}
		return true
	})

	response := r.Get("output_text").String()
	if response == "" {
		response = text.String()
	}

	return Extraction{
		Response:  response,
		Tokens:    a.NormalizeUsage(UsageOf(r.Get("usage"))),
		ToolCalls: calls,
	}
}

// StreamDelta reads text from response.output_text.delta and the final usage
// from response.completed.
func (OpenAIResponses) StreamDelta(raw string) Delta {
	r := gjson.Parse(raw)
	switch r.Get("type").String() {
	case "response.output_text.delta":
		return Delta{Content: r.Get("delta").String()}
	case "response.completed":
		return Delta{Usage: UsageOf(r.Get("response.usage"))}
	}
	return Delta{}
}

func (OpenAIResponses) NormalizeUsage(u Usage) model.Tokens { return normalizeOpenAIUsage(u) }

// normalizeOpenAIUsage accepts both the chat (prompt/completion) and the
// responses (input/output) field names.
func normalizeOpenAIUsage(u Usage) model.Tokens {
	prompt := u.int("prompt_tokens")
	if prompt == 0 {
		prompt = u.int("input_tokens")
	}
	completion := u.int("completion_tokens")
	if completion == 0 {
		completion = u.int("output_tokens")
	}
	cached := u.nested("prompt_tokens_details", "cached_tokens")
	if cached == 0 {
		cached = u.nested("input_tokens_details", "cached_tokens")
	}
	return model.Tokens{
		Prompt:      prompt,
		Completion:  completion,
		Total:       prompt + completion,
		CachedInput: intPtr(cached),
	}
}
