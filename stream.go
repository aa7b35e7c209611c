package warp

import (
	"strings"
	"sync"
	"time"

	"github.com/warpmetrics/warp-go/internal/callbuf"
	"github.com/warpmetrics/warp-go/internal/model"
	"github.com/warpmetrics/warp-go/internal/provider"
)

// Stream wraps a provider's streaming response. Chunks are passed through
// unchanged while their text and usage are accumulated. Once the underlying
// stream is exhausted (or closed), the call is recorded and the Stream itself
// can be passed to Client.Call.
//
//	stream := msgs.NewStreaming(ctx, params)
//	for stream.Next() {
//		event := stream.Current()
//	}
//	if err := stream.Err(); err != nil { ... }
//	wm.Call(run, stream, nil)
type Stream[T rawJSONer] struct {
	inner   chunkStream[T]
	c       *Client
	adapter provider.Adapter
	rec     *model.CallEvent
	start   time.Time

	text       strings.Builder
	usage      provider.Usage
	firstChunk time.Time
	finish     sync.Once
}

func newStream[T rawJSONer](c *Client, a provider.Adapter, rec *model.CallEvent, start time.Time, inner chunkStream[T]) *Stream[T] {
	return &Stream[T]{inner: inner, c: c, adapter: a, rec: rec, start: start}
}

// Next advances to the next chunk. It returns false at the end of the stream
// or on error, after recording the call.
func (s *Stream[T]) Next() bool {
	if s.inner.Next() {
		if s.firstChunk.IsZero() {
			s.firstChunk = time.Now()
		}
		d := s.adapter.StreamDelta(s.inner.Current().RawJSON())
		s.text.WriteString(d.Content)
		s.usage = s.usage.Merge(d.Usage)
		return true
	}
	s.finalize()
	return false
}

// Current returns the chunk Next advanced to, exactly as the provider SDK
// decoded it.
func (s *Stream[T]) Current() T {
	return s.inner.Current()
}

// Err returns the provider's stream error unchanged.
func (s *Stream[T]) Err() error {
	return s.inner.Err()
}

// Close closes the underlying stream. A stream closed before it was
// exhausted is recorded with what was received so far.
func (s *Stream[T]) Close() error {
	s.finalize()
	return s.inner.Close()
}

func (s *Stream[T]) bufferKey() callbuf.Key {
	return callbuf.KeyOf(s)
}

func (s *Stream[T]) finalize() {
	s.finish.Do(func() {
		end := time.Now()
		rec := s.rec
		rec.EndedAt = end.UTC()
		ms := end.Sub(s.start).Milliseconds()
		rec.Duration = &ms
		if !s.firstChunk.IsZero() {
			latency := s.firstChunk.Sub(s.start).Milliseconds()
			rec.Latency = &latency
		}

		text := s.text.String()
		if err := s.inner.Err(); err != nil {
			rec.Status = model.StatusError
			rec.Error = err.Error()
			if text != "" {
				rec.Response = &text
			}
		} else {
			tokens := s.adapter.NormalizeUsage(s.usage)
			rec.Status = model.StatusSuccess
			rec.Response = &text
			rec.Tokens = &tokens
		}
		callbuf.Put(s.c.buf, s, rec)
	})
}
