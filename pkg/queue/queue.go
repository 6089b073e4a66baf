// Package queue schedules test-run executions against pool-acquired
// targets, tracks live status and an append-only event log per run, and
// supports cooperative cancellation. The queue is the in-process
// authority for run progress; the persisted store is the durable record.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/logging"
	"github.com/casewire/casewire/pkg/pool"
	"github.com/casewire/casewire/pkg/storage"
)

// DefaultTerminalRetention is how long a finished run stays tracked so
// pollers can read its final events before eviction.
const DefaultTerminalRetention = 5 * time.Minute

// RunStore is the persisted-store surface the queue needs.
type RunStore interface {
	GetRun(id string) (*storage.TestRun, error)
	MarkRunRunning(id string) (bool, error)
	CompleteRun(id string, status storage.RunStatus, resultJSON, logText, errorText string) (bool, error)
}

// TargetPool is the device-pool surface the queue needs.
type TargetPool interface {
	Acquire(profileName, projectID, runID string) (*pool.Device, error)
	Release(deviceID, runID string)
	InstanceID(deviceID string) (string, error)
}

// entry tracks one in-process run. The queue exclusively owns entry
// lifetimes; absence of an entry is ambiguous (finished-and-evicted or
// lost to a restart) and callers disambiguate against the store.
type entry struct {
	runID      string
	testCaseID string
	projectID  string
	profile    string
	enqueuedAt time.Time

	mu              sync.Mutex
	status          storage.RunStatus
	events          []Event
	cancelRequested bool
}

func (e *entry) appendEvent(ev Event) {
	ev.Seq = len(e.events) + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.events = append(e.events, ev)
}

// Options configures a Queue.
type Options struct {
	// MaxConcurrency bounds simultaneous executions. Submissions beyond
	// the cap wait in FIFO order.
	MaxConcurrency int

	// TerminalRetention is how long terminal entries stay tracked.
	TerminalRetention time.Duration
}

// Queue is the single global FIFO admission queue.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
	pending []*entry
	notify  *sync.Cond
	closed  bool

	sem      *semaphore.Weighted
	store    RunStore
	pool     TargetPool
	driver   Driver
	eventBus bus.MessageBus
	logger   *logging.Logger

	retention time.Duration
	rootCtx   context.Context
	cancel    context.CancelFunc
}

// New creates a Queue executing at most opts.MaxConcurrency runs at once.
func New(store RunStore, targetPool TargetPool, driver Driver, eventBus bus.MessageBus, logger *logging.Logger, opts Options) *Queue {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.TerminalRetention <= 0 {
		opts.TerminalRetention = DefaultTerminalRetention
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		entries:   make(map[string]*entry),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		store:     store,
		pool:      targetPool,
		driver:    driver,
		eventBus:  eventBus,
		logger:    logger,
		retention: opts.TerminalRetention,
		rootCtx:   ctx,
		cancel:    cancel,
	}
	q.notify = sync.NewCond(&q.mu)
	go q.dispatch()
	return q
}

// Close stops admitting work. In-flight drivers observe their context.
func (q *Queue) Close() {
	q.cancel()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify.Broadcast()
}

// Submit admits a run for execution. The run must already be persisted
// in QUEUED state; the queue does not create domain records. Submission
// is idempotent per run id.
func (q *Queue) Submit(run *storage.TestRun) {
	q.mu.Lock()
	if _, exists := q.entries[run.ID]; exists {
		q.mu.Unlock()
		return
	}

	e := &entry{
		runID:      run.ID,
		testCaseID: run.TestCaseID,
		projectID:  run.ProjectID,
		profile:    run.DeviceProfile,
		enqueuedAt: time.Now(),
		status:     storage.RunStatusQueued,
	}
	e.appendEvent(Event{Type: "status", Status: string(storage.RunStatusQueued)})
	q.entries[run.ID] = e
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	q.notify.Signal()

	queueDepth.Inc()
	q.logger.Info(logging.CategoryQueue, "run_submitted", "", map[string]any{
		"run_id": run.ID,
	})
}

// dispatch admits pending runs strictly in submission order. It blocks on
// the semaphore before popping the next waiter's successor, so a run never
// overtakes an earlier submission regardless of goroutine scheduling.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.notify.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.sem.Acquire(q.rootCtx, 1); err != nil {
			return
		}
		go func(e *entry) {
			defer q.sem.Release(1)
			q.execute(e)
		}(e)
	}
}

// Cancel requests cooperative cancellation. A run still waiting for
// admission terminalizes immediately; a running one stops at the
// driver's next checkpoint. Unknown or already-terminal runs are a
// no-op, without error.
func (q *Queue) Cancel(runID string) {
	q.mu.Lock()
	e, ok := q.entries[runID]
	q.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		return
	}
	e.cancelRequested = true
	queued := e.status == storage.RunStatusQueued
	e.mu.Unlock()

	q.logger.Info(logging.CategoryQueue, "cancel_requested", "", map[string]any{
		"run_id": runID,
	})

	if queued {
		// Not yet admitted; nothing is executing, so finish right away.
		// The worker checks the terminal state after admission and skips.
		q.finish(e, storage.RunStatusCancelled, "", "", "")
	}
}

// GetStatus returns the in-memory status, or false when the run is not
// tracked. Absence is ambiguous; the caller resolves it against the
// persisted store.
func (q *Queue) GetStatus(runID string) (storage.RunStatus, bool) {
	q.mu.Lock()
	e, ok := q.entries[runID]
	q.mu.Unlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

// GetEvents returns a snapshot of the run's event log. The log is
// append-only and never reordered; callers diff against a previously
// observed length to pick up only the delta.
func (q *Queue) GetEvents(runID string) ([]Event, bool) {
	q.mu.Lock()
	e, ok := q.entries[runID]
	q.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	events := make([]Event, len(e.events))
	copy(events, e.events)
	return events, true
}

// Stats reports queue occupancy for dashboards.
type Stats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// GetStats counts tracked runs by state.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	entries := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	q.mu.Unlock()

	var stats Stats
	for _, e := range entries {
		e.mu.Lock()
		switch e.status {
		case storage.RunStatusQueued:
			stats.Queued++
		case storage.RunStatusRunning:
			stats.Running++
		}
		e.mu.Unlock()
	}
	return stats
}

// execute runs a single admitted run to a terminal state.
func (q *Queue) execute(e *entry) {
	e.mu.Lock()
	if e.status.Terminal() {
		// Cancelled while waiting for admission.
		e.mu.Unlock()
		return
	}
	e.status = storage.RunStatusRunning
	e.appendEvent(Event{Type: "status", Status: string(storage.RunStatusRunning)})
	e.mu.Unlock()

	queueDepth.Dec()
	runsRunning.Inc()
	defer runsRunning.Dec()

	marked, err := q.store.MarkRunRunning(e.runID)
	if err != nil {
		q.logger.Error(logging.CategoryQueue, "persist_running_failed", err.Error(), map[string]any{
			"run_id": e.runID,
		})
	} else if !marked {
		// The persisted record is already terminal; the reconciler got
		// to it between creation and admission. Mirror its verdict, do
		// not execute.
		status, errText := storage.RunStatusFail, "run already terminal"
		if run, err := q.store.GetRun(e.runID); err == nil && run.Status.Terminal() {
			status, errText = run.Status, run.ErrorText
		}
		q.finish(e, status, "", "", errText)
		return
	}
	q.publishStatus(e, storage.RunStatusRunning)

	device, err := q.pool.Acquire(e.profile, e.projectID, e.runID)
	if err != nil {
		// Resource scarcity is not expected to self-resolve quickly:
		// no retry, no backoff, straight to FAIL.
		q.finish(e, storage.RunStatusFail, "", "", fmt.Sprintf("device acquisition failed: %v", err))
		return
	}
	defer q.pool.Release(device.ID, e.runID)

	instanceID, err := q.pool.InstanceID(device.ID)
	if err != nil {
		q.finish(e, storage.RunStatusFail, "", "", fmt.Sprintf("device unavailable: %v", err))
		return
	}

	spec := RunSpec{
		RunID:      e.runID,
		TestCaseID: e.testCaseID,
		ProjectID:  e.projectID,
		Profile:    e.profile,
		DeviceID:   device.ID,
		InstanceID: instanceID,
	}

	emit := func(ev Event) {
		e.mu.Lock()
		if !e.status.Terminal() {
			e.appendEvent(ev)
		}
		e.mu.Unlock()
	}
	cancelled := func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.cancelRequested
	}

	outcome, err := q.driver.Execute(q.rootCtx, spec, emit, cancelled)

	switch {
	case cancelled():
		q.finish(e, storage.RunStatusCancelled, "", outcomeLog(outcome), "")
	case err != nil:
		q.finish(e, storage.RunStatusFail, "", outcomeLog(outcome), err.Error())
	case outcome != nil && outcome.Passed:
		q.finish(e, storage.RunStatusPass, outcome.ResultJSON, outcome.LogText, "")
	default:
		q.finish(e, storage.RunStatusFail, outcomeResult(outcome), outcomeLog(outcome), "test assertions failed")
	}
}

// finish performs the terminal transition exactly once: persists the
// terminal status, appends the terminal event, publishes it, and
// schedules eviction of the entry.
func (q *Queue) finish(e *entry, status storage.RunStatus, resultJSON, logText, errorText string) {
	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		return
	}
	wasQueued := e.status == storage.RunStatusQueued
	e.status = status
	e.appendEvent(Event{Type: "status", Status: string(status), Error: errorText})
	e.mu.Unlock()

	if wasQueued {
		queueDepth.Dec()
	}
	runsCompleted.WithLabelValues(string(status)).Inc()

	if _, err := q.store.CompleteRun(e.runID, status, resultJSON, logText, errorText); err != nil {
		q.logger.Error(logging.CategoryQueue, "persist_terminal_failed", err.Error(), map[string]any{
			"run_id": e.runID,
		})
	}
	q.publishStatus(e, status)
	q.logger.Info(logging.CategoryQueue, "run_finished", errorText, map[string]any{
		"run_id": e.runID,
		"status": string(status),
	})

	time.AfterFunc(q.retention, func() {
		q.mu.Lock()
		delete(q.entries, e.runID)
		q.mu.Unlock()
	})
}

// publishStatus fans the status change out to project subscribers.
func (q *Queue) publishStatus(e *entry, status storage.RunStatus) {
	if q.eventBus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":       "test-run-status",
		"testCaseId": e.testCaseID,
		"runId":      e.runID,
		"status":     string(status),
	})
	if err != nil {
		return
	}
	topic := fmt.Sprintf("project.%s.runs", e.projectID)
	if err := q.eventBus.Publish(context.Background(), topic, payload); err != nil {
		q.logger.Warn(logging.CategoryBus, "publish_failed", err.Error(), map[string]any{
			"run_id": e.runID,
		})
	}
}

func outcomeLog(o *Outcome) string {
	if o == nil {
		return ""
	}
	return o.LogText
}

func outcomeResult(o *Outcome) string {
	if o == nil {
		return ""
	}
	return o.ResultJSON
}
