package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/MiniETL/internal/core"
)

// MetricsResponse is the body of GET /api/etl/metrics.
type MetricsResponse struct {
	RunID string `json:"runId"`
	core.Provenance
	Metrics       core.Metrics       `json:"metrics"`
	MetricsSource core.MetricsSource `json:"metricsSource"`
}

// PipelineResponse is the body of GET /api/etl/pipeline.
type PipelineResponse struct {
	Pipeline []string           `json:"pipeline"`
	RunID    string             `json:"runId,omitempty"`
	Stages   []core.StageReport `json:"stages"`
}

// RunsResponse is the body of GET /api/etl/runs.
type RunsResponse struct {
	Runs  []core.RunSummary `json:"runs"`
	Limit int               `json:"limit"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string                `json:"status"`
	LastRunID string                `json:"lastRunId,omitempty"`
	LastRunAt *time.Time            `json:"lastRunAt,omitempty"`
	RunSlot   core.RunLimiterStatus `json:"runSlot"`
}

// handleCurrent returns the current result, running the pipeline first if
// nothing has run yet.
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	res, ok := s.currentOrRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleRestart triggers a run and returns its result.
// ?live=false skips the live source and uses the demo data.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	live := parseBoolParam(r, "live", true)
	ctx := WithRequestMetadata(r.Context(), r, core.TriggerRestart)

	res, err := s.service.Run(ctx, live)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleMetrics returns the metrics and provenance of the current result.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	res, ok := s.currentOrRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, MetricsResponse{
		RunID:         res.RunID,
		Provenance:    res.Provenance,
		Metrics:       res.Metrics,
		MetricsSource: res.MetricsSource,
	})
}

// handlePipeline returns the stage names and the stage log of the current
// result. It never triggers a run.
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	resp := PipelineResponse{
		Pipeline: s.service.Pipeline(),
		Stages:   []core.StageReport{},
	}
	if res := s.service.Current(); res != nil {
		resp.RunID = res.RunID
		resp.Stages = res.Stages
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleRuns returns recent runs, newest first.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", core.DefaultHistoryLimit)
	if limit > core.MaxHistoryLimit {
		limit = core.MaxHistoryLimit
	}

	runs, err := s.service.History(r.Context(), limit)
	if err != nil {
		respondError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	if runs == nil {
		runs = []core.RunSummary{}
	}
	writeJSON(w, r, http.StatusOK, RunsResponse{Runs: runs, Limit: limit})
}

// handleHealth reports liveness. It does not touch the data source.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		RunSlot: s.service.LimiterStatus(),
	}
	if res := s.service.Current(); res != nil {
		resp.LastRunID = res.RunID
		resp.LastRunAt = &res.StartedAt
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// currentOrRun returns the current result, running the pipeline once
// (preferring live data) when there is none. On failure it writes the error
// response and returns false.
func (s *Server) currentOrRun(w http.ResponseWriter, r *http.Request) (*core.ProcessingResult, bool) {
	if res := s.service.Current(); res != nil {
		return res, true
	}

	res, err := s.service.Run(WithRequestMetadata(r.Context(), r, core.TriggerAPI), true)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return nil, false
	}
	return res, true
}

// parseIntParam parses a positive integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// parseBoolParam parses a boolean query parameter with a default value.
func parseBoolParam(r *http.Request, name string, defaultVal bool) bool {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
