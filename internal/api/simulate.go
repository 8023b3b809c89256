package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/engine"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/pipelinestore"
)

// --- Simulator ---

// SimulateResponse is the response body after starting a simulated run.
type SimulateResponse struct {
	Run     *engine.Run `json:"run"`
	TraceID string      `json:"trace_id,omitempty"`
	Link    string      `json:"link,omitempty"`
}

// Simulate handles POST /api/v1/simulate. With ?wait=true the response is
// sent once the run finished.
func (h *Handlers) Simulate(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "simulator not configured", nil)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}
	p, ok := h.decodePipeline(w, r, data)
	if !ok {
		return
	}
	if p.User == "" {
		p.User = subject(r)
	}
	h.startSimulation(w, r, p)
}

// GetSimulation handles GET /api/v1/simulate/{id}
func (h *Handlers) GetSimulation(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "simulator not configured", nil)
		return
	}
	run, err := h.engine.GetRun(mux.Vars(r)["id"])
	if err != nil {
		if status, code, ok := classify(err); ok {
			writeErrorResponse(w, r, status, code, err.Error(), nil)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.simulateResponse(run))
}

// ListSimulations handles GET /api/v1/simulations
func (h *Handlers) ListSimulations(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "simulator not configured", nil)
		return
	}
	runs := h.engine.ListRuns()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *Handlers) startSimulation(w http.ResponseWriter, r *http.Request, p *engine.Pipeline) {
	if r.URL.Query().Get("wait") == "true" {
		run, err := h.engine.Execute(r.Context(), p)
		if err != nil {
			h.respondError(w, r, http.StatusBadRequest, "failed to run pipeline", err)
			return
		}
		h.respondJSON(w, http.StatusOK, h.simulateResponse(run))
		return
	}

	run, err := h.engine.StartRun(r.Context(), p)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to start pipeline", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, h.simulateResponse(run))
}

// simulateResponse adds the trace of a run once its span exists.
func (h *Handlers) simulateResponse(run *engine.Run) SimulateResponse {
	resp := SimulateResponse{Run: run}
	if rt, err := h.registry.RunTrace(run.ID); err == nil {
		resp.TraceID = rt.TraceID
		resp.Link = rt.Link
	}
	return resp
}

// decodePipeline validates and decodes a pipeline body. It writes the error
// response itself and reports false on failure.
func (h *Handlers) decodePipeline(w http.ResponseWriter, r *http.Request, data []byte) (*engine.Pipeline, bool) {
	if h.validator != nil {
		if result := h.validator.ValidatePipelineJSON(data); !result.Valid {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeValidation, "pipeline validation failed", map[string]interface{}{
				"errors": result.Errors,
			})
			return nil, false
		}
	}
	var p engine.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid pipeline", err)
		return nil, false
	}
	return &p, true
}

// --- Saved Pipelines ---

// PutPipelineRequest is the request body for saving a pipeline.
type PutPipelineRequest struct {
	Description string          `json:"description,omitempty"`
	Pipeline    json.RawMessage `json:"pipeline"`
}

// PutPipeline handles PUT /api/v1/pipelines/{name}
func (h *Handlers) PutPipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req PutPipelineRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	p, ok := h.decodePipeline(w, r, req.Pipeline)
	if !ok {
		return
	}
	if p.Name != name {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "pipeline name does not match path", map[string]interface{}{
			"path": name,
			"body": p.Name,
		})
		return
	}

	def, err := h.pipelines.Put(r.Context(), &pipelinestore.PutRequest{
		Name:        name,
		Description: req.Description,
		Pipeline:    req.Pipeline,
		CreatedBy:   subject(r),
	})
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// GetPipeline handles GET /api/v1/pipelines/{name}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	def, err := h.pipelines.Get(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// ListPipelines handles GET /api/v1/pipelines
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := &pipelinestore.ListOptions{CreatedBy: q.Get("created_by")}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}

	defs, err := h.pipelines.List(r.Context(), opts)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"pipelines": defs,
		"count":     len(defs),
	})
}

// DeletePipeline handles DELETE /api/v1/pipelines/{name}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.pipelines.Delete(r.Context(), mux.Vars(r)["name"]); err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SimulatePipelineRequest overrides parts of a saved pipeline for one run.
type SimulatePipelineRequest struct {
	User   string                 `json:"user,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// SimulatePipeline handles POST /api/v1/pipelines/{name}/simulate. Each
// run gets the next build number of the pipeline.
func (h *Handlers) SimulatePipeline(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "simulator not configured", nil)
		return
	}
	ctx := r.Context()
	name := mux.Vars(r)["name"]

	var req SimulatePipelineRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	def, err := h.pipelines.Get(ctx, name)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	var p engine.Pipeline
	if err := json.Unmarshal(def.Pipeline, &p); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "stored pipeline is corrupt", err)
		return
	}

	number, err := h.pipelines.NextNumber(ctx, name)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	p.Name = name
	p.Number = number
	if req.User != "" {
		p.User = req.User
	} else if p.User == "" {
		p.User = subject(r)
	}
	if len(req.Params) > 0 {
		params := make(map[string]interface{}, len(p.Params)+len(req.Params))
		for k, v := range p.Params {
			params[k] = v
		}
		for k, v := range req.Params {
			params[k] = v
		}
		p.Params = params
	}

	h.startSimulation(w, r, &p)
}

func (h *Handlers) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if status, code, ok := classify(err); ok {
		writeErrorResponse(w, r, status, code, err.Error(), nil)
		return
	}
	h.respondError(w, r, http.StatusInternalServerError, "pipeline store failure", err)
}

// subject returns the authenticated caller, or "" when auth is disabled.
func subject(r *http.Request) string {
	if claims := auth.GetClaims(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}
