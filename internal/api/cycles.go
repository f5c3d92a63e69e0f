package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailwarm/internal/warmup"
)

const maxTrackedCycles = 256

// Cycle run states reported by GET /cycles/{id}
const (
	CycleRunning   = "running"
	CycleCompleted = "completed"
	CycleFailed    = "failed"
)

// CycleStatus is the response for POST /accounts/{email}/cycle and
// GET /cycles/{id}. Report is set once the cycle has finished.
type CycleStatus struct {
	CycleID    string              `json:"cycle_id"`
	Email      string              `json:"email"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Report     *warmup.CycleReport `json:"report,omitempty"`
}

// cycleTracker keeps the status of the most recent cycles started over the API
type cycleTracker struct {
	mu      sync.Mutex
	max     int
	order   []string
	entries map[string]*CycleStatus
}

func newCycleTracker(max int) *cycleTracker {
	return &cycleTracker{max: max, entries: make(map[string]*CycleStatus)}
}

func (t *cycleTracker) start(id, email string) CycleStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &CycleStatus{CycleID: id, Email: email, Status: CycleRunning, StartedAt: time.Now().UTC()}
	t.entries[id] = st
	t.order = append(t.order, id)
	for len(t.order) > t.max {
		delete(t.entries, t.order[0])
		t.order = t.order[1:]
	}
	return *st
}

func (t *cycleTracker) finish(id string, report *warmup.CycleReport, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.entries[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	st.FinishedAt = &now
	st.Report = report
	st.Status = CycleCompleted
	if err != nil {
		st.Status = CycleFailed
		st.Error = err.Error()
	}
}

func (t *cycleTracker) get(id string) (CycleStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.entries[id]
	if !ok {
		return CycleStatus{}, false
	}
	return *st, true
}

// handleRunCycle handles POST /api/v1/accounts/{email}/cycle. The lease and
// account checks happen within the request; the cycle itself runs in the
// background and is reported by GET /cycles/{id} and the account logs.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := s.deps.Cycles.BeginCycle(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	st := s.tracker.start(cycle.ID(), cycle.Email())
	s.running.Add(1)
	go s.runCycle(cycle)

	s.logger.Info("cycle started", "email", cycle.Email(), "cycle_id", cycle.ID())
	w.Header().Set("Location", "/api/v1/cycles/"+cycle.ID())
	sendJSON(w, http.StatusAccepted, st)
}

func (s *Server) runCycle(cycle *warmup.Cycle) {
	defer s.running.Done()

	ctx, cancel := context.WithTimeout(s.cycleCtx, s.opts.CycleTimeout)
	defer cancel()

	report, err := cycle.Run(ctx)
	if err != nil && !errors.Is(err, warmup.ErrTransportUnavailable) {
		s.logger.Warn("cycle failed", "email", cycle.Email(), "cycle_id", cycle.ID(), "error", err)
	}
	s.tracker.finish(cycle.ID(), report, err)
}

// handleGetCycle handles GET /api/v1/cycles/{id}
func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	st, ok := s.tracker.get(chi.URLParam(r, "id"))
	if !ok {
		sendError(w, http.StatusNotFound, "cycle not found")
		return
	}
	sendJSON(w, http.StatusOK, st)
}
