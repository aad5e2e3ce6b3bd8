package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/petrakis/cloval/internal/modules/deal"
	"github.com/petrakis/cloval/internal/runner"
)

// writeJSON serializes a response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleLoadDeal accepts the tabular deal definition and installs it
// as the active deal. Skipped records come back in the summary.
func (s *Server) handleLoadDeal(w http.ResponseWriter, r *http.Request) {
	var in deal.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid deal payload: "+err.Error())
		return
	}

	d, summary, err := s.loader.Load(in)
	if err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}
	s.SetDeal(d)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"deal":    d.Name,
		"assets":  d.Pool.Size(),
		"summary": summary,
	})
}

func (s *Server) handleCurrentDeal(w http.ResponseWriter, r *http.Request) {
	d := s.CurrentDeal()
	if d == nil {
		s.writeError(w, http.StatusNotFound, "no deal loaded")
		return
	}
	performing, defaulted := d.Pool.TotalPar()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"deal":           d.Name,
		"as_of":          d.AsOf,
		"assets":         d.Pool.Size(),
		"performing_par": performing,
		"defaulted_par":  defaulted,
		"tranches":       len(d.Structure.Tranches),
	})
}

// runRequest is the run trigger payload. Zero values fall back to the
// configured defaults.
type runRequest struct {
	Seed     int64 `json:"seed"`
	Paths    int   `json:"paths"`
	Workers  int   `json:"workers"`
	Optimize bool  `json:"optimize"`
	// Wait runs synchronously and returns the completed run record
	// instead of 202. Meant for small batches and tests.
	Wait bool `json:"wait"`
}

// handleTriggerRun starts a full run. One run at a time; progress goes
// out over the websocket stream.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	d := s.CurrentDeal()
	if d == nil {
		s.writeError(w, http.StatusConflict, "no deal loaded")
		return
	}

	var req runRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid run request: "+err.Error())
			return
		}
	}
	if req.Paths <= 0 {
		req.Paths = s.defaults.Paths
	}
	if req.Workers <= 0 {
		req.Workers = s.defaults.Workers
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	s.running = true
	s.mu.Unlock()

	opts := runner.Options{
		Seed:     req.Seed,
		Paths:    req.Paths,
		Workers:  req.Workers,
		Optimize: req.Optimize,
		Sink:     s.hub,
	}

	if req.Wait {
		defer s.clearRunning()
		report, err := s.runner.Run(r.Context(), d, opts)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, report.Output.Run)
		return
	}

	go func() {
		defer s.clearRunning()
		// The request context dies with the response; background runs
		// get their own lifetime.
		if _, err := s.runner.Run(context.Background(), d, opts); err != nil {
			s.log.Error().Err(err).Msg("background run failed")
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) clearRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// handleComplianceRun executes the test suite synchronously.
func (s *Server) handleComplianceRun(w http.ResponseWriter, r *http.Request) {
	d := s.CurrentDeal()
	if d == nil {
		s.writeError(w, http.StatusConflict, "no deal loaded")
		return
	}
	testResults, err := s.runner.RunCompliance(r.Context(), d, 0)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, testResults)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.repo.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.repo.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, runLookupStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetTests(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.TestResults(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.Trades(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetWaterfall(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.WaterfallSteps(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.MigrationSeries(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func runLookupStatus(err error) int {
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
