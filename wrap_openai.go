package warp

import (
	"context"

	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/warpmetrics/warp-go/internal/provider"
)

// OpenAI bundles the instrumented create surfaces of one OpenAI client.
type OpenAI struct {
	Chat      *OpenAIChat
	Responses *OpenAIResponses
}

// WrapOpenAI instruments both the Chat Completions and the Responses
// services of client.
func (c *Client) WrapOpenAI(client *openai.Client) *OpenAI {
	return &OpenAI{
		Chat:      c.WrapOpenAIChat(&client.Chat.Completions),
		Responses: c.WrapOpenAIResponses(&client.Responses),
	}
}

// OpenAIChat is an instrumented Chat Completions service.
type OpenAIChat struct {
	c   *Client
	svc OpenAIChatService
}

// WrapOpenAIChat instruments a Chat Completions service, typically
// &client.Chat.Completions.
func (c *Client) WrapOpenAIChat(svc OpenAIChatService) *OpenAIChat {
	return &OpenAIChat{c: c, svc: svc}
}

// New creates a chat completion.
func (o *OpenAIChat) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...ooption.RequestOption) (*openai.ChatCompletion, error) {
	return intercept(o.c, provider.OpenAIChat{}, body, func() (*openai.ChatCompletion, error) {
		return o.svc.New(ctx, body, opts...)
	})
}

// NewStreaming creates a chat completion with streaming. Token counts are
// only reported when the request sets StreamOptions.IncludeUsage; without
// them the call is recorded with zero tokens.
func (o *OpenAIChat) NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...ooption.RequestOption) *Stream[openai.ChatCompletionChunk] {
	return interceptStream[openai.ChatCompletionChunk](o.c, provider.OpenAIChat{}, body, func() chunkStream[openai.ChatCompletionChunk] {
		return o.svc.NewStreaming(ctx, body, opts...)
	})
}

// OpenAIResponses is an instrumented Responses service.
type OpenAIResponses struct {
	c   *Client
	svc OpenAIResponsesService
}

// WrapOpenAIResponses instruments a Responses service, typically
// &client.Responses.
func (c *Client) WrapOpenAIResponses(svc OpenAIResponsesService) *OpenAIResponses {
	return &OpenAIResponses{c: c, svc: svc}
}

// New creates a model response.
func (o *OpenAIResponses) New(ctx context.Context, body responses.ResponseNewParams, opts ...ooption.RequestOption) (*responses.Response, error) {
	return intercept(o.c, provider.OpenAIResponses{}, body, func() (*responses.Response, error) {
		return o.svc.New(ctx, body, opts...)
	})
}

// NewStreaming creates a model response with streaming. Usage is read from
// the response.completed event.
func (o *OpenAIResponses) NewStreaming(ctx context.Context, body responses.ResponseNewParams, opts ...ooption.RequestOption) *Stream[responses.ResponseStreamEventUnion] {
	return interceptStream[responses.ResponseStreamEventUnion](o.c, provider.OpenAIResponses{}, body, func() chunkStream[responses.ResponseStreamEventUnion] {
		return o.svc.NewStreaming(ctx, body, opts...)
	})
}
