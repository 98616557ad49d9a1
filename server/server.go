// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"curtailment-notifier/ledger"
	"curtailment-notifier/schedule"
)

// Checker triggers an immediate inbox check.
type Checker interface {
	CheckNow(ctx context.Context) error
}

// LedgerStats exposes deduplication ledger statistics.
type LedgerStats interface {
	Stats() ledger.Stats
}

// Jobs exposes the scheduler's active jobs.
type Jobs interface {
	ActiveJobs() []*schedule.Job
}

// Server handles HTTP requests.
type Server struct {
	checker Checker
	ledger  LedgerStats
	jobs    Jobs
	logger  *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Checker Checker
	Ledger  LedgerStats
	Jobs    Jobs
	Logger  *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		checker: cfg.Checker,
		ledger:  cfg.Ledger,
		jobs:    cfg.Jobs,
		logger:  cfg.Logger,
	}
}

// ListenAndServe sets up all routes and starts the server.
func (s *Server) ListenAndServe(port string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/checkz", s.handleCheck)
	mux.HandleFunc("/ledgerz", s.handleLedger)
	mux.HandleFunc("/jobz", s.handleJobs)

	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Check endpoint triggered")

	if err := s.checker.CheckNow(r.Context()); err != nil {
		s.logger.Error("Inbox check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.ledger.Stats()
	resp := map[string]any{
		"total": stats.Total,
	}
	if !stats.Oldest.IsZero() {
		resp["oldest"] = stats.Oldest.Format(time.RFC3339)
		resp["newest"] = stats.Newest.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write ledger stats", "error", err)
	}
}

type jobView struct {
	ID       string `json:"id"`
	Facility string `json:"facility"`
	State    string `json:"state"`
	FireAt   string `json:"fireAt"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := s.jobs.ActiveJobs()
	views := make([]jobView, 0, len(active))
	for _, job := range active {
		views = append(views, jobView{
			ID:       job.ID,
			Facility: job.Facility.FacilityName,
			State:    string(job.State()),
			FireAt:   job.FireAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"jobs": views}); err != nil {
		s.logger.Warn("Failed to write jobs response", "error", err)
	}
}
