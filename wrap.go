package warp

import (
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/responses"

	"github.com/warpmetrics/warp-go/internal/callbuf"
	"github.com/warpmetrics/warp-go/internal/ids"
	"github.com/warpmetrics/warp-go/internal/model"
	"github.com/warpmetrics/warp-go/internal/provider"
)

// Wrap instruments a provider SDK handle and returns the wrapper for it:
//
//	*anthropic.Client, *anthropic.MessageService  -> *AnthropicMessages
//	*openai.Client                                -> *OpenAI
//	*openai.ChatService, *openai.ChatCompletionService -> *OpenAIChat
//	*responses.ResponseService                    -> *OpenAIResponses
//
// Anything else is returned unchanged.
func (c *Client) Wrap(client any) any {
	a, ok := provider.Detect(client)
	if !ok {
		c.logger.Debug("warpmetrics: unknown client type, supported: OpenAI, Anthropic")
		return client
	}
	switch v := client.(type) {
	case *anthropic.Client:
		return c.WrapAnthropic(&v.Messages)
	case *anthropic.MessageService:
		return c.WrapAnthropic(v)
	case *openai.Client:
		return c.WrapOpenAI(v)
	case *openai.ChatService:
		return c.WrapOpenAIChat(&v.Completions)
	case *openai.ChatCompletionService:
		return c.WrapOpenAIChat(v)
	case *responses.ResponseService:
		return c.WrapOpenAIResponses(v)
	}
	c.logger.Debug("warpmetrics: client detected but has no create surface", "provider", a.Kind())
	return client
}

// startCall mints the call id and records the request fields before the
// provider is invoked.
func (c *Client) startCall(a provider.Adapter, params any) (*model.CallEvent, time.Time) {
	start := time.Now()
	req := provider.ParseRequest(params)
	startedAt := start.UTC()
	return &model.CallEvent{
		ID:        ids.New(ids.Call),
		Provider:  a.Name(),
		Model:     req.Model,
		Messages:  req.Messages,
		Tools:     req.Tools,
		StartedAt: &startedAt,
	}, start
}

// intercept runs one non-streaming create call, buffers its record under the
// returned result and hands back the provider's result untouched. A failure
// is returned as a *TrackedError carrying the error record.
func intercept[R any, PR interface {
	*R
	rawJSONer
}](c *Client, a provider.Adapter, params any, do func() (PR, error)) (PR, error) {
	rec, start := c.startCall(a, params)
	res, err := do()
	end := time.Now()
	ms := end.Sub(start).Milliseconds()
	rec.Duration = &ms
	rec.EndedAt = end.UTC()

	if err != nil {
		rec.Status = model.StatusError
		rec.Error = err.Error()
		carrier := &errorCarrier{callID: rec.ID}
		callbuf.Put(c.buf, carrier, rec)
		return res, &TrackedError{err: err, carrier: carrier}
	}
	if res == nil {
		return res, nil
	}

	ext := a.Extract(res.RawJSON())
	rec.Status = model.StatusSuccess
	rec.Response = &ext.Response
	rec.ToolCalls = ext.ToolCalls
	rec.Tokens = &ext.Tokens
	callbuf.Put(c.buf, (*R)(res), rec)
	return res, nil
}

// interceptStream opens a streaming create call and wraps the provider stream.
func interceptStream[T rawJSONer](c *Client, a provider.Adapter, params any, open func() chunkStream[T]) *Stream[T] {
	rec, start := c.startCall(a, params)
	return newStream(c, a, rec, start, open())
}
