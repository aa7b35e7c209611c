package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/warpmetrics/warp-go/internal/ids"
	"github.com/warpmetrics/warp-go/internal/model"
	"github.com/warpmetrics/warp-go/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	healthGroup         singleflight.Group
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleIngestEvents handles POST /v1/events. The body is the SDK's
// base64 envelope around one six-queue batch.
func (h *Handlers) HandleIngestEvents(w http.ResponseWriter, r *http.Request) {
	var env model.Envelope
	if err := decodeJSON(w, r, &env, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if env.D == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "missing envelope payload")
		return
	}

	batch, err := env.Decode()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid envelope payload")
		return
	}
	if err := validateBatch(batch); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	received := batch.Len()
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("warpd.batch.runs", len(batch.Runs)),
		attribute.Int("warpd.batch.calls", len(batch.Calls)),
		attribute.Int("warpd.batch.events", received),
	)

	processed, err := h.db.InsertBatch(r.Context(), batch)
	if err != nil {
		h.writeInternalError(w, r, "failed to store events", err)
		return
	}

	h.logger.Debug("events stored", "received", received, "processed", processed)
	writeJSON(w, r, http.StatusOK, model.IngestResult{Received: received, Processed: processed})
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, storage.DefaultRunLimit)
	runs, err := h.db.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	detail, err := h.db.GetRunDetail(r.Context(), runID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.pingStorage(); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:  status,
		Version: h.version,
		Storage: dbStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// pingStorage checks the database. Concurrent health checks share one ping,
// bounded by its own timeout so one cancelled caller cannot fail the rest.
func (h *Handlers) pingStorage() error {
	_, err, _ := h.healthGroup.Do("ping", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return nil, h.db.Ping(ctx)
	})
	return err
}

// writeInternalError logs err and responds 500 without leaking it.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// handleDecodeError maps a request body decode failure to 413 or 400.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
}

// validateBatch rejects events the store could not key. Id prefixes are
// not enforced: reservations may carry ids minted elsewhere.
func validateBatch(b model.Batch) error {
	for _, e := range b.Runs {
		if e.ID == "" {
			return fmt.Errorf("run requires an id")
		}
	}
	for _, e := range b.Groups {
		if e.ID == "" {
			return fmt.Errorf("group requires an id")
		}
	}
	for _, e := range b.Calls {
		if e.ID == "" {
			return fmt.Errorf("call requires an id")
		}
	}
	for _, e := range b.Links {
		if e.ParentID == "" || e.ChildID == "" {
			return fmt.Errorf("link requires parentId and childId")
		}
		if e.Type != model.LinkGroup && e.Type != model.LinkCall {
			return fmt.Errorf("invalid link type %q", e.Type)
		}
	}
	for _, e := range b.Outcomes {
		if e.ID == "" || e.RefID == "" {
			return fmt.Errorf("outcome requires id and refId")
		}
	}
	for _, e := range b.Acts {
		if e.ID == "" || e.RefID == "" {
			return fmt.Errorf("act requires id and refId")
		}
	}
	return nil
}

func parseRunID(r *http.Request) (string, error) {
	runID := r.PathValue("run_id")
	if runID == "" {
		return "", fmt.Errorf("run_id is required")
	}
	if p, ok := ids.PrefixOf(runID); ok && p != ids.Run {
		return "", fmt.Errorf("invalid run_id: %s", runID)
	}
	return runID, nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, storage.MaxRunLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > storage.MaxRunLimit {
		return storage.MaxRunLimit
	}
	return limit
}
