package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	cwerrors "github.com/casewire/casewire/pkg/errors"
	"github.com/casewire/casewire/pkg/logging"
	"github.com/casewire/casewire/pkg/storage"
)

type submitRunRequest struct {
	ProjectID string `json:"projectId"`
	Profile   string `json:"profile"`
}

type runResponse struct {
	RunID       string     `json:"runId"`
	TestCaseID  string     `json:"testCaseId"`
	ProjectID   string     `json:"projectId"`
	Status      string     `json:"status"`
	Profile     string     `json:"profile,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func runToResponse(run *storage.TestRun) runResponse {
	return runResponse{
		RunID:       run.ID,
		TestCaseID:  run.TestCaseID,
		ProjectID:   run.ProjectID,
		Status:      string(run.Status),
		Profile:     run.DeviceProfile,
		Error:       run.ErrorText,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
}

// handleSubmitRun persists a new QUEUED run for the test case and admits
// it to the execution queue.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	caseID := chi.URLParam(r, "caseID")

	var req submitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ProjectID == "" || req.Profile == "" {
		writeError(w, cwerrors.New(cwerrors.ErrCodeInvalidInput, "projectId and profile are required"))
		return
	}
	if !id.CanSee(req.ProjectID) {
		writeError(w, cwerrors.Newf(cwerrors.ErrCodeForbidden, "no access to project %q", req.ProjectID))
		return
	}

	run := &storage.TestRun{
		ID:            uuid.NewString(),
		TestCaseID:    caseID,
		ProjectID:     req.ProjectID,
		Status:        storage.RunStatusQueued,
		DeviceProfile: req.Profile,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateRun(run); err != nil {
		writeError(w, cwerrors.Wrap(err, cwerrors.ErrCodeStorageWrite, "persist run"))
		return
	}
	s.queue.Submit(run)

	s.logger.Info(logging.CategoryServer, "run_submitted", "", map[string]any{
		"run_id":       run.ID,
		"test_case_id": caseID,
		"project_id":   req.ProjectID,
	})
	writeJSON(w, http.StatusAccepted, runToResponse(run))
}

// loadVisibleRun fetches a run and enforces project visibility.
func (s *Server) loadVisibleRun(id *Identity, runID string) (*storage.TestRun, error) {
	run, err := s.store.GetRun(runID)
	if err == sql.ErrNoRows {
		return nil, cwerrors.Newf(cwerrors.ErrCodeNotFound, "run %q not found", runID)
	}
	if err != nil {
		return nil, cwerrors.Wrap(err, cwerrors.ErrCodeStorageRead, "load run")
	}
	if !id.CanSee(run.ProjectID) {
		return nil, cwerrors.Newf(cwerrors.ErrCodeForbidden, "no access to run %q", runID)
	}
	return run, nil
}

// handleGetRun reports the run's current status: live queue state while
// the run is tracked, the persisted record otherwise.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	runID := chi.URLParam(r, "runID")

	run, err := s.loadVisibleRun(id, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if status, ok := s.queue.GetStatus(runID); ok {
		run.Status = status
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

// handleGetRunEvents returns a snapshot of the run's live event log.
// Runs no longer tracked in memory report an empty log alongside the
// persisted terminal status.
func (s *Server) handleGetRunEvents(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	runID := chi.URLParam(r, "runID")

	run, err := s.loadVisibleRun(id, runID)
	if err != nil {
		writeError(w, err)
		return
	}

	events, tracked := s.queue.GetEvents(runID)
	status := run.Status
	if tracked {
		if live, ok := s.queue.GetStatus(runID); ok {
			status = live
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":  runID,
		"status": string(status),
		"events": events,
	})
}

// handleCancelRun requests cooperative cancellation. Terminal runs make
// this a no-op; the response reports the status observed after the
// request was applied.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	runID := chi.URLParam(r, "runID")

	run, err := s.loadVisibleRun(id, runID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.queue.Cancel(runID)

	status := run.Status
	if live, ok := s.queue.GetStatus(runID); ok {
		status = live
	}
	s.logger.Info(logging.CategoryServer, "run_cancel_requested", "", map[string]any{
		"run_id": runID,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"runId":  runID,
		"status": string(status),
	})
}

// handleListRuns returns the persisted run history for a test case,
// newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	caseID := chi.URLParam(r, "caseID")

	runs, err := s.store.ListRunsByTestCase(caseID, 50)
	if err != nil {
		writeError(w, cwerrors.Wrap(err, cwerrors.ErrCodeStorageRead, "list runs"))
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		if !id.CanSee(run.ProjectID) {
			continue
		}
		if status, ok := s.queue.GetStatus(run.ID); ok {
			run.Status = status
		}
		out = append(out, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleQueueStats reports queue occupancy.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.GetStats())
}
