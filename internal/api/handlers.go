package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/engine"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/config"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/correlate"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/ingest"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/pipelinestore"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/spancache"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 10 << 20

// Deps are the services the handlers expose.
type Deps struct {
	Registry   *correlate.Registry
	Provider   *tracing.Provider
	Storage    *spancache.Storage
	Dispatcher *ingest.Dispatcher
	Engine     *engine.Engine
	Pipelines  pipelinestore.Store
	Validator  *validator.Validator
	Config     *config.Config
	Logger     *slog.Logger
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	registry   *correlate.Registry
	provider   *tracing.Provider
	storage    *spancache.Storage
	dispatcher *ingest.Dispatcher
	engine     *engine.Engine
	pipelines  pipelinestore.Store
	validator  *validator.Validator
	config     *config.Config
	logger     *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Config == nil {
		d.Config = &config.Config{}
	}
	return &Handlers{
		registry:   d.Registry,
		provider:   d.Provider,
		storage:    d.Storage,
		dispatcher: d.Dispatcher,
		engine:     d.Engine,
		pipelines:  d.Pipelines,
		validator:  d.Validator,
		config:     d.Config,
		logger:     d.Logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, reporting the tracer backend and the
// span cache.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ready",
		"backend":    h.provider.Config().Backend,
		"cache":      h.storage.Stats(),
		"executions": h.registry.Active(),
	})
}

// --- Event Ingestion ---

// IngestResponse is the response body after ingesting events.
type IngestResponse struct {
	Accepted int `json:"accepted"`
}

// IngestEvents handles POST /api/v1/events. The body is one envelope or an
// array of envelopes. Correlation problems are not reported back; only
// malformed input is rejected.
func (h *Handlers) IngestEvents(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	n, err := h.dispatcher.DispatchJSON(r.Context(), data)
	switch {
	case errors.Is(err, ingest.ErrInvalidEnvelope), errors.Is(err, ingest.ErrUnknownEvent):
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error(), map[string]interface{}{
			"accepted": n,
		})
		return
	case err != nil:
		h.respondError(w, r, http.StatusInternalServerError, "failed to dispatch events", err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, IngestResponse{Accepted: n})
}

// --- Trace Lookups ---

// GetRunTrace handles GET /api/v1/runs/{id}/trace
func (h *Handlers) GetRunTrace(w http.ResponseWriter, r *http.Request) {
	rt, err := h.registry.RunTrace(mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, rt)
}

// NodeEnvResponse carries the environment a step process exports to
// continue the trace of its node.
type NodeEnvResponse struct {
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Env         map[string]string `json:"env"`
}

// GetNodeEnv handles GET /api/v1/executions/{id}/nodes/{node}/env
func (h *Handlers) GetNodeEnv(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	env, err := h.registry.EnvFor(vars["id"], vars["node"])
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, NodeEnvResponse{
		ExecutionID: vars["id"],
		NodeID:      vars["node"],
		Env:         env,
	})
}

// TraceStepResponse identifies the span a tracing step was applied to.
type TraceStepResponse struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// TraceStep handles POST /api/v1/executions/{id}/nodes/{node}/trace
func (h *Handlers) TraceStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var info types.TraceInfo
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&info); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	span, err := h.registry.TraceStep(vars["id"], vars["node"], info)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if span == nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "node has no span", nil)
		return
	}
	sc := span.SpanContext()
	h.respondJSON(w, http.StatusOK, TraceStepResponse{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	})
}

// --- Backend and Cache ---

// GetBackend handles GET /api/v1/backend
func (h *Handlers) GetBackend(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.provider.Config())
}

// SwapBackend handles PUT /api/v1/backend. Credentials are not part of the
// JSON form and carry over from the current configuration.
func (h *Handlers) SwapBackend(w http.ResponseWriter, r *http.Request) {
	current := h.provider.Config()
	cfg := current
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cfg); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	cfg.S3.AccessKeyID = current.S3.AccessKeyID
	cfg.S3.SecretAccessKey = current.S3.SecretAccessKey

	if err := cfg.Validate(); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error(), nil)
		return
	}
	if err := h.provider.Swap(r.Context(), cfg); err != nil {
		h.respondError(w, r, http.StatusBadGateway, "failed to switch tracer backend", err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.provider.Config())
}

// CacheStats handles GET /api/v1/cache
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"stats":      h.storage.Stats(),
		"executions": h.registry.Active(),
	})
}

// FlushCache handles DELETE /api/v1/cache. Spans in flight are abandoned.
func (h *Handlers) FlushCache(w http.ResponseWriter, r *http.Request) {
	dropped := h.storage.Flush()
	metrics.CacheFlushes.Inc()
	metrics.CacheSize.Set(float64(h.storage.Size()))
	h.logger.Warn("span cache flushed", slog.Int("dropped_entries", dropped))
	h.respondJSON(w, http.StatusOK, map[string]int{"dropped": dropped})
}

// --- Helper Methods ---

// respondDomainError answers with the status bound to err's sentinel. Errors
// without one are treated as bad requests.
func (h *Handlers) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, ok := classify(err)
	if !ok {
		status, code = http.StatusBadRequest, ErrCodeBadRequest
	}
	writeErrorResponse(w, r, status, code, err.Error(), nil)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, slog.Any("error", err), slog.Int("status", status))
	} else {
		h.logger.Debug(message, slog.Any("error", err), slog.Int("status", status))
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, map[string]interface{}{
		"details": err.Error(),
	})
}
