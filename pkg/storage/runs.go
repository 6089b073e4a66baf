package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// RunStatus is the persisted lifecycle state of a test run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusPass      RunStatus = "PASS"
	RunStatusFail      RunStatus = "FAIL"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status is one a run never leaves.
func (s RunStatus) Terminal() bool {
	return s == RunStatusPass || s == RunStatusFail || s == RunStatusCancelled
}

// TestRun is the persisted record of one execution attempt.
type TestRun struct {
	ID            string
	TestCaseID    string
	ProjectID     string
	Status        RunStatus
	ResultJSON    string
	LogText       string
	ErrorText     string
	DeviceProfile string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// CreateRun inserts a new run in QUEUED state.
func (s *Store) CreateRun(run *TestRun) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
        INSERT INTO test_runs (id, test_case_id, project_id, status, device_profile, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `, run.ID, run.TestCaseID, run.ProjectID, string(run.Status), run.DeviceProfile, run.CreatedAt)
	return err
}

// GetRun fetches a run by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetRun(id string) (*TestRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`
        SELECT id, test_case_id, project_id, status,
               COALESCE(result_json, ''), COALESCE(log_text, ''), COALESCE(error_text, ''),
               COALESCE(device_profile, ''), created_at, started_at, completed_at
        FROM test_runs WHERE id = ?
    `, id)

	var run TestRun
	var status string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.TestCaseID, &run.ProjectID, &status,
		&run.ResultJSON, &run.LogText, &run.ErrorText,
		&run.DeviceProfile, &run.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// MarkRunRunning transitions a run QUEUED -> RUNNING and stamps started_at.
// Returns false if the run was not in QUEUED state.
func (s *Store) MarkRunRunning(id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreClosed
	}
	res, err := s.db.Exec(`
        UPDATE test_runs
        SET status = ?, started_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status = ?
    `, string(RunStatusRunning), id, string(RunStatusQueued))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteRun writes a terminal status, result payload, log and error
// text, stamping completed_at exactly once. The status-check-before-write
// guard means a run already terminal is left untouched; the bool reports
// whether this call performed the terminal transition.
func (s *Store) CompleteRun(id string, status RunStatus, resultJSON, logText, errorText string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreClosed
	}
	if !status.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	res, err := s.db.Exec(`
        UPDATE test_runs
        SET status = ?, result_json = ?, log_text = ?, error_text = ?, completed_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status IN (?, ?)
    `, string(status), resultJSON, logText, errorText,
		id, string(RunStatusQueued), string(RunStatusRunning))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRunInterrupted is the reconciler's write: it fails a run that is
// still QUEUED or RUNNING in the store despite having no live tracking.
// Concurrent reconciliation attempts converge on a single write.
func (s *Store) MarkRunInterrupted(id, message string) (bool, error) {
	return s.CompleteRun(id, RunStatusFail, "", "", message)
}

// ListRunsByTestCase returns runs for a test case, newest first.
func (s *Store) ListRunsByTestCase(testCaseID string, limit int) ([]*TestRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
        SELECT id, test_case_id, project_id, status,
               COALESCE(result_json, ''), COALESCE(log_text, ''), COALESCE(error_text, ''),
               COALESCE(device_profile, ''), created_at, started_at, completed_at
        FROM test_runs
        WHERE test_case_id = ?
        ORDER BY created_at DESC
        LIMIT ?
    `, testCaseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*TestRun
	for rows.Next() {
		var run TestRun
		var status string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.TestCaseID, &run.ProjectID, &status,
			&run.ResultJSON, &run.LogText, &run.ErrorText,
			&run.DeviceProfile, &run.CreatedAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		run.Status = RunStatus(status)
		if startedAt.Valid {
			t := startedAt.Time
			run.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			run.CompletedAt = &t
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
