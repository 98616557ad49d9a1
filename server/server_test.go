package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"curtailment-notifier/ledger"
	"curtailment-notifier/schedule"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeChecker struct {
	called bool
	err    error
}

func (f *fakeChecker) CheckNow(context.Context) error {
	f.called = true
	return f.err
}

type fakeLedger struct {
	stats ledger.Stats
}

func (f *fakeLedger) Stats() ledger.Stats { return f.stats }

type fakeJobs struct {
	jobs []*schedule.Job
}

func (f *fakeJobs) ActiveJobs() []*schedule.Job { return f.jobs }

func newTestServer(checker *fakeChecker, led *fakeLedger, jobs *fakeJobs) *Server {
	if checker == nil {
		checker = &fakeChecker{}
	}
	if led == nil {
		led = &fakeLedger{}
	}
	if jobs == nil {
		jobs = &fakeJobs{}
	}
	return New(&Config{Checker: checker, Ledger: led, Jobs: jobs, Logger: testLogger()})
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(nil, nil, nil)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != `{"status":"healthy"}` {
		t.Errorf("body = %q", got)
	}
}

func TestHealthRejectsPost(t *testing.T) {
	s := newTestServer(nil, nil, nil)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestCheckEndpointTriggersCheck(t *testing.T) {
	checker := &fakeChecker{}
	s := newTestServer(checker, nil, nil)

	rec := httptest.NewRecorder()
	s.handleCheck(rec, httptest.NewRequest(http.MethodPost, "/checkz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !checker.called {
		t.Error("CheckNow not called")
	}
}

func TestCheckEndpointReportsFailure(t *testing.T) {
	checker := &fakeChecker{err: errors.New("imap down")}
	s := newTestServer(checker, nil, nil)

	rec := httptest.NewRecorder()
	s.handleCheck(rec, httptest.NewRequest(http.MethodPost, "/checkz", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestCheckEndpointRejectsGet(t *testing.T) {
	s := newTestServer(nil, nil, nil)

	rec := httptest.NewRecorder()
	s.handleCheck(rec, httptest.NewRequest(http.MethodGet, "/checkz", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	oldest := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	newest := time.Date(2025, 6, 24, 0, 0, 0, 0, time.UTC)
	s := newTestServer(nil, &fakeLedger{stats: ledger.Stats{Total: 5, Oldest: oldest, Newest: newest}}, nil)

	rec := httptest.NewRecorder()
	s.handleLedger(rec, httptest.NewRequest(http.MethodGet, "/ledgerz", nil))

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["total"] != float64(5) {
		t.Errorf("total = %v", resp["total"])
	}
	if resp["oldest"] != "2025-06-01T00:00:00Z" {
		t.Errorf("oldest = %v", resp["oldest"])
	}
}

func TestLedgerEndpointEmptyOmitsTimes(t *testing.T) {
	s := newTestServer(nil, &fakeLedger{}, nil)

	rec := httptest.NewRecorder()
	s.handleLedger(rec, httptest.NewRequest(http.MethodGet, "/ledgerz", nil))

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := resp["oldest"]; ok {
		t.Error("oldest present for empty ledger")
	}
}

func TestJobsEndpoint(t *testing.T) {
	s := newTestServer(nil, nil, &fakeJobs{})

	rec := httptest.NewRecorder()
	s.handleJobs(rec, httptest.NewRequest(http.MethodGet, "/jobz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	var resp struct {
		Jobs []jobView `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp.Jobs) != 0 {
		t.Errorf("jobs = %v, want empty", resp.Jobs)
	}
}
