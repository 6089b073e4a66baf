package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)

	run := &TestRun{
		ID:            "run-1",
		TestCaseID:    "case-1",
		ProjectID:     "proj-1",
		DeviceProfile: "pixel-6-api33",
	}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunStatusQueued {
		t.Errorf("expected QUEUED, got %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("expected no completed_at on fresh run")
	}

	ok, err := store.MarkRunRunning("run-1")
	if err != nil || !ok {
		t.Fatalf("MarkRunRunning failed: ok=%v err=%v", ok, err)
	}

	// Repeated transition is rejected by the status guard.
	ok, err = store.MarkRunRunning("run-1")
	if err != nil {
		t.Fatalf("MarkRunRunning failed: %v", err)
	}
	if ok {
		t.Error("expected second MarkRunRunning to be a no-op")
	}

	ok, err = store.CompleteRun("run-1", RunStatusPass, `{"steps":3}`, "step log", "")
	if err != nil || !ok {
		t.Fatalf("CompleteRun failed: ok=%v err=%v", ok, err)
	}

	got, err = store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunStatusPass {
		t.Errorf("expected PASS, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if got.StartedAt == nil {
		t.Error("expected started_at to be set")
	}
}

func TestCompleteRunTerminalOnce(t *testing.T) {
	store := newTestStore(t)

	run := &TestRun{ID: "run-2", TestCaseID: "case-1", ProjectID: "proj-1"}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	ok, err := store.CompleteRun("run-2", RunStatusFail, "", "", "boot failure")
	if err != nil || !ok {
		t.Fatalf("first CompleteRun failed: ok=%v err=%v", ok, err)
	}

	// A terminal run never leaves its terminal state.
	ok, err = store.CompleteRun("run-2", RunStatusPass, "", "", "")
	if err != nil {
		t.Fatalf("second CompleteRun errored: %v", err)
	}
	if ok {
		t.Error("expected terminal run to reject a second terminal write")
	}

	got, _ := store.GetRun("run-2")
	if got.Status != RunStatusFail || got.ErrorText != "boot failure" {
		t.Errorf("terminal state overwritten: %+v", got)
	}
}

func TestCompleteRunRejectsNonTerminal(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.CompleteRun("x", RunStatusRunning, "", "", ""); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestMarkRunInterrupted(t *testing.T) {
	store := newTestStore(t)

	run := &TestRun{ID: "run-3", TestCaseID: "case-1", ProjectID: "proj-1", Status: RunStatusRunning}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	ok, err := store.MarkRunInterrupted("run-3", "test run interrupted by coordinator restart")
	if err != nil || !ok {
		t.Fatalf("MarkRunInterrupted failed: ok=%v err=%v", ok, err)
	}

	// Concurrent reconciliation attempts converge on a single write.
	ok, err = store.MarkRunInterrupted("run-3", "test run interrupted by coordinator restart")
	if err != nil {
		t.Fatalf("second MarkRunInterrupted errored: %v", err)
	}
	if ok {
		t.Error("expected second interruption write to be a no-op")
	}

	got, _ := store.GetRun("run-3")
	if got.Status != RunStatusFail {
		t.Errorf("expected FAIL, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set by interruption")
	}
}

func TestGetRunAbsent(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun("ghost")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestListRunsByTestCase(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := store.CreateRun(&TestRun{ID: id, TestCaseID: "case-1", ProjectID: "proj-1"}); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}
	if err := store.CreateRun(&TestRun{ID: "other", TestCaseID: "case-2", ProjectID: "proj-1"}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	runs, err := store.ListRunsByTestCase("case-1", 0)
	if err != nil {
		t.Fatalf("ListRunsByTestCase failed: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("expected 3 runs, got %d", len(runs))
	}
}

func TestDeviceProfiles(t *testing.T) {
	store := newTestStore(t)

	p := &DeviceProfile{
		Name:       "pixel-6-api33",
		Kind:       "emulator",
		APILevel:   33,
		ScreenSize: "1080x2400",
		Image:      "system-images;android-33;google_apis;x86_64",
	}
	if err := store.SaveDeviceProfile(p); err != nil {
		t.Fatalf("SaveDeviceProfile failed: %v", err)
	}

	// Upsert replaces in place.
	p.APILevel = 34
	if err := store.SaveDeviceProfile(p); err != nil {
		t.Fatalf("SaveDeviceProfile upsert failed: %v", err)
	}

	got, err := store.GetDeviceProfile("pixel-6-api33")
	if err != nil {
		t.Fatalf("GetDeviceProfile failed: %v", err)
	}
	if got == nil || got.APILevel != 34 {
		t.Errorf("unexpected profile: %+v", got)
	}

	missing, err := store.GetDeviceProfile("nope")
	if err != nil {
		t.Fatalf("GetDeviceProfile failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing profile, got %+v", missing)
	}

	list, err := store.ListDeviceProfiles()
	if err != nil {
		t.Fatalf("ListDeviceProfiles failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 profile, got %d", len(list))
	}
}
