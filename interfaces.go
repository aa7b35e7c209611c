package warp

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	assestream "github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	ossestream "github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"
)

// AnthropicMessageService is the create surface of the Anthropic Messages API.
// *anthropic.MessageService satisfies it.
type AnthropicMessageService interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...aoption.RequestOption) (*anthropic.Message, error)
	NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...aoption.RequestOption) *assestream.Stream[anthropic.MessageStreamEventUnion]
}

// OpenAIChatService is the create surface of the OpenAI Chat Completions API.
// *openai.ChatCompletionService satisfies it.
type OpenAIChatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...ooption.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...ooption.RequestOption) *ossestream.Stream[openai.ChatCompletionChunk]
}

// OpenAIResponsesService is the create surface of the OpenAI Responses API.
// *responses.ResponseService satisfies it.
type OpenAIResponsesService interface {
	New(ctx context.Context, body responses.ResponseNewParams, opts ...ooption.RequestOption) (*responses.Response, error)
	NewStreaming(ctx context.Context, body responses.ResponseNewParams, opts ...ooption.RequestOption) *ossestream.Stream[responses.ResponseStreamEventUnion]
}

// chunkStream is the iteration surface shared by both vendors' SSE streams.
type chunkStream[T any] interface {
	Next() bool
	Current() T
	Err() error
	Close() error
}

// rawJSONer is implemented by every SDK result and chunk type.
type rawJSONer interface {
	RawJSON() string
}

var (
	_ AnthropicMessageService                              = (*anthropic.MessageService)(nil)
	_ OpenAIChatService                                    = (*openai.ChatCompletionService)(nil)
	_ OpenAIResponsesService                               = (*responses.ResponseService)(nil)
	_ chunkStream[anthropic.MessageStreamEventUnion]       = (*assestream.Stream[anthropic.MessageStreamEventUnion])(nil)
	_ chunkStream[openai.ChatCompletionChunk]              = (*ossestream.Stream[openai.ChatCompletionChunk])(nil)
	_ chunkStream[responses.ResponseStreamEventUnion]      = (*ossestream.Stream[responses.ResponseStreamEventUnion])(nil)
)
