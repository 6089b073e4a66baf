package reconcile

import (
	"path/filepath"
	"sync"
	"testing"

	coorderrors "github.com/casewire/casewire/pkg/errors"
	"github.com/casewire/casewire/pkg/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestResolveAbsentTerminalRun(t *testing.T) {
	store := newTestStore(t)
	r := New(store, nil)

	if err := store.CreateRun(&storage.TestRun{ID: "run-1", TestCaseID: "c", ProjectID: "p"}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if _, err := store.CompleteRun("run-1", storage.RunStatusPass, "", "", ""); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	res, err := r.ResolveAbsent("run-1")
	if err != nil {
		t.Fatalf("ResolveAbsent failed: %v", err)
	}
	if res.Status != storage.RunStatusPass {
		t.Errorf("expected PASS, got %s", res.Status)
	}
	if res.Reconciled {
		t.Error("terminal run must not be reconciled")
	}
}

func TestResolveAbsentOrphanedRun(t *testing.T) {
	store := newTestStore(t)
	r := New(store, nil)

	// RUNNING in the store with no live tracking: a restart orphan.
	if err := store.CreateRun(&storage.TestRun{
		ID: "run-1", TestCaseID: "c", ProjectID: "p", Status: storage.RunStatusRunning,
	}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	res, err := r.ResolveAbsent("run-1")
	if err != nil {
		t.Fatalf("ResolveAbsent failed: %v", err)
	}
	if res.Status != storage.RunStatusFail {
		t.Errorf("expected FAIL, got %s", res.Status)
	}
	if res.Error != InterruptedMessage {
		t.Errorf("expected fixed interruption message, got %q", res.Error)
	}
	if !res.Reconciled {
		t.Error("expected this call to perform the interruption write")
	}

	run, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.CompletedAt == nil {
		t.Error("expected completion timestamp on reconciled run")
	}
}

func TestResolveAbsentConvergesUnderRepeatedPolling(t *testing.T) {
	store := newTestStore(t)
	r := New(store, nil)

	if err := store.CreateRun(&storage.TestRun{
		ID: "run-1", TestCaseID: "c", ProjectID: "p", Status: storage.RunStatusQueued,
	}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	const pollers = 8
	results := make([]*Resolution, pollers)
	var wg sync.WaitGroup
	wg.Add(pollers)
	for i := 0; i < pollers; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := r.ResolveAbsent("run-1")
			if err != nil {
				t.Errorf("ResolveAbsent failed: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	writes := 0
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.Status != storage.RunStatusFail || res.Error != InterruptedMessage {
			t.Errorf("diverging resolution: %+v", res)
		}
		if res.Reconciled {
			writes++
		}
	}
	if writes != 1 {
		t.Errorf("expected exactly one interruption write, got %d", writes)
	}
}

func TestResolveAbsentUnknownRun(t *testing.T) {
	store := newTestStore(t)
	r := New(store, nil)

	_, err := r.ResolveAbsent("ghost")
	if !coorderrors.IsCode(err, coorderrors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
