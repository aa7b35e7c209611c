package warp

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/warpmetrics/warp-go/internal/provider"
)

// AnthropicMessages is an instrumented Anthropic Messages service.
type AnthropicMessages struct {
	c   *Client
	svc AnthropicMessageService
}

// WrapAnthropic instruments an Anthropic Messages service, typically
// &client.Messages.
func (c *Client) WrapAnthropic(svc AnthropicMessageService) *AnthropicMessages {
	return &AnthropicMessages{c: c, svc: svc}
}

// New creates a message. The returned message is buffered until it is passed
// to Client.Call.
func (m *AnthropicMessages) New(ctx context.Context, body anthropic.MessageNewParams, opts ...aoption.RequestOption) (*anthropic.Message, error) {
	return intercept(m.c, provider.Anthropic{}, body, func() (*anthropic.Message, error) {
		return m.svc.New(ctx, body, opts...)
	})
}

// NewStreaming creates a message with streaming. Usage arrives in two parts,
// on message_start and message_delta, and is merged.
func (m *AnthropicMessages) NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...aoption.RequestOption) *Stream[anthropic.MessageStreamEventUnion] {
	return interceptStream[anthropic.MessageStreamEventUnion](m.c, provider.Anthropic{}, body, func() chunkStream[anthropic.MessageStreamEventUnion] {
		return m.svc.NewStreaming(ctx, body, opts...)
	})
}
