// Package reconcile heals runs whose in-memory tracking vanished, most
// commonly after an unclean restart. It is a liveness repair, not a
// request-scoped error path: without it a client could poll a lost run
// forever.
package reconcile

import (
	"database/sql"
	"errors"

	coorderrors "github.com/casewire/casewire/pkg/errors"
	"github.com/casewire/casewire/pkg/logging"
	"github.com/casewire/casewire/pkg/storage"
)

// InterruptedMessage is the fixed error text written to orphaned runs.
const InterruptedMessage = "test run was interrupted by a coordinator restart"

// RunStore is the persisted-store surface the reconciler needs.
type RunStore interface {
	GetRun(id string) (*storage.TestRun, error)
	MarkRunInterrupted(id, message string) (bool, error)
}

// Resolution is the outcome of resolving a queue-absent run.
type Resolution struct {
	// Status is the terminal status of the run.
	Status storage.RunStatus

	// Error is the run's error text, if any.
	Error string

	// Reconciled is true when this call performed the interruption
	// write; false when the run had already reached a terminal state.
	Reconciled bool
}

// Reconciler resolves runs the queue no longer tracks.
type Reconciler struct {
	store  RunStore
	logger *logging.Logger
}

// New creates a Reconciler over the persisted store.
func New(store RunStore, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Reconciler{store: store, logger: logger}
}

// ResolveAbsent disambiguates a run that the queue reports as absent.
// A terminal persisted status means the run finished and was evicted
// normally. A non-terminal status with no live tracking means the run
// was interrupted: it is transitioned to FAIL with the fixed message
// and a completion timestamp. The store's status-check-before-write
// guard makes concurrent resolutions converge on a single write.
func (r *Reconciler) ResolveAbsent(runID string) (*Resolution, error) {
	run, err := r.store.GetRun(runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coorderrors.Newf(coorderrors.ErrCodeNotFound, "run %q not found", runID)
		}
		return nil, coorderrors.Wrap(err, coorderrors.ErrCodeStorageRead, "load run")
	}

	if run.Status.Terminal() {
		return &Resolution{Status: run.Status, Error: run.ErrorText}, nil
	}

	wrote, err := r.store.MarkRunInterrupted(runID, InterruptedMessage)
	if err != nil {
		return nil, coorderrors.Wrap(err, coorderrors.ErrCodeStorageWrite, "mark run interrupted")
	}

	if wrote {
		r.logger.Warn(logging.CategoryReconcile, "orphan_reconciled", InterruptedMessage, map[string]any{
			"run_id":      runID,
			"prev_status": string(run.Status),
		})
		return &Resolution{Status: storage.RunStatusFail, Error: InterruptedMessage, Reconciled: true}, nil
	}

	// Another resolver won the write; read back its terminal state.
	run, err = r.store.GetRun(runID)
	if err != nil {
		return nil, coorderrors.Wrap(err, coorderrors.ErrCodeStorageRead, "reload run")
	}
	return &Resolution{Status: run.Status, Error: run.ErrorText}, nil
}
