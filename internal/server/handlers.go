package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/backtest"
)

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// startRunRequest is the POST /runs body. Dates are plain YYYY-MM-DD
// strings so callers do not have to produce RFC3339 timestamps.
type startRunRequest struct {
	StartDate          string  `json:"start_date"`
	EndDate            string  `json:"end_date"`
	RebalanceFrequency string  `json:"rebalance_frequency"`
	PortfolioSize      int     `json:"portfolio_size"`
	InitialCapital     float64 `json:"initial_capital"`
	Scheme             string  `json:"scheme"`
	LotMethod          string  `json:"lot_method"`
	HarvestEnabled     bool    `json:"harvest_enabled"`
	HarvestMinLoss     float64 `json:"harvest_min_loss"`
	ClusterCount       int     `json:"cluster_count"`
	LookbackDays       int     `json:"lookback_days"`
}

func (req startRunRequest) toConfig() (domain.BacktestConfig, error) {
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return domain.BacktestConfig{}, fmt.Errorf("invalid start_date %q: %w", req.StartDate, err)
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return domain.BacktestConfig{}, fmt.Errorf("invalid end_date %q: %w", req.EndDate, err)
	}
	return domain.BacktestConfig{
		StartDate:          start,
		EndDate:            end,
		RebalanceFrequency: domain.RebalanceFrequency(req.RebalanceFrequency),
		PortfolioSize:      req.PortfolioSize,
		InitialCapital:     req.InitialCapital,
		Scheme:             domain.WeightingScheme(req.Scheme),
		LotMethod:          domain.LotMethod(req.LotMethod),
		HarvestEnabled:     req.HarvestEnabled,
		HarvestMinLoss:     req.HarvestMinLoss,
		ClusterCount:       req.ClusterCount,
		LookbackDays:       req.LookbackDays,
	}, nil
}

// handleStartRun launches a new backtest run.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	cfg, err := req.toConfig()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The run outlives this request, so it gets a detached context.
	run, err := s.manager.Start(context.Background(), cfg)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

// handleListRuns returns all tracked runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.List())
}

// handleGetRun returns one tracked run by ID.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, ok := s.manager.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// handleGetReport computes the performance report for a finished run.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.loadResult(r, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	report, err := s.analyzer.Analyze(result, nil)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleArchiveRun uploads a finished run and its report to object storage.
func (s *Server) handleArchiveRun(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		s.writeError(w, http.StatusNotImplemented, "archiving is not configured")
		return
	}

	id := chi.URLParam(r, "id")
	result, err := s.loadResult(r, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	report, err := s.analyzer.Analyze(result, nil)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	key, err := s.archiver.Archive(r.Context(), result, report)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// handleListResults returns summaries of all persisted runs.
func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.results.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if summaries == nil {
		summaries = []backtest.RunSummary{}
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

// handleGetResult returns one persisted run result by ID.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.results.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleRefresh triggers a snapshot import outside the schedule.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresh == nil {
		s.writeError(w, http.StatusNotImplemented, "refresh job is not configured")
		return
	}
	if err := s.refresh.Run(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// loadResult finds the full result for a run, preferring the in-memory
// manager and falling back to the results database.
func (s *Server) loadResult(r *http.Request, id string) (*backtest.Result, error) {
	if run, ok := s.manager.Get(id); ok {
		if run.Result != nil {
			return run.Result, nil
		}
		return nil, fmt.Errorf("run %s has not finished", id)
	}
	return s.results.Get(r.Context(), id)
}
