package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warpmetrics/warp-go/internal/model"
)

// EventsPath is the collector endpoint for batches.
const EventsPath = "/v1/events"

const maxErrorBody = 4 << 10

// HTTPError is returned when the collector answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// rateLimited reports whether err is a 429 and the delay the server asked for.
func rateLimited(err error) (time.Duration, bool) {
	var he *HTTPError
	if errors.As(err, &he) && he.StatusCode == http.StatusTooManyRequests {
		return he.RetryAfter, true
	}
	return 0, false
}

// deliver posts one batch. It returns nil only for a 2xx response.
func (t *Transport) deliver(ctx context.Context, batch model.Batch) (err error) {
	ctx, span := tracer.Start(ctx, "warpmetrics.flush", trace.WithAttributes(
		attribute.Int("warpmetrics.batch_size", batch.Len()),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		t.recordFlush(ctx, batch.Len(), time.Since(start), err)
	}()

	env, rawSize, err := batch.Encode()
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	t.logger.Debug("warpmetrics: payload encoded",
		"raw_kb", fmt.Sprintf("%.1f", float64(rawSize)/1024),
		"encoded_kb", fmt.Sprintf("%.1f", float64(len(body))/1024),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+EventsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.Header.Set("X-SDK-Version", t.cfg.Version)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: POST %s: %w", EventsPath, err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if t.cfg.Debug {
		if res, ok := decodeAck(resp.Body); ok {
			t.logger.Debug("warpmetrics: flush ok", "received", res.Received, "processed", res.Processed)
		}
	}
	return nil
}

// decodeAck reads {data:{received,processed}}, or the bare object.
func decodeAck(r io.Reader) (model.IngestResult, bool) {
	raw, err := io.ReadAll(r)
	if err != nil || len(raw) == 0 {
		return model.IngestResult{}, false
	}
	var envelope struct {
		Data *model.IngestResult `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Data != nil {
		return *envelope.Data, true
	}
	var bare model.IngestResult
	if err := json.Unmarshal(raw, &bare); err != nil {
		return model.IngestResult{}, false
	}
	return bare, true
}

// parseRetryAfter accepts a delay in seconds. HTTP dates are ignored and the
// computed backoff applies instead.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
