package queue

import (
	"context"
	"time"
)

// Event is one entry in a run's append-only progress log.
type Event struct {
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	Status    string         `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
	Step      int            `json:"step,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunSpec is what the queue hands the execution driver.
type RunSpec struct {
	RunID      string
	TestCaseID string
	ProjectID  string
	Profile    string
	DeviceID   string
	InstanceID string
}

// Outcome is the driver's verdict for a completed execution.
type Outcome struct {
	Passed     bool
	ResultJSON string
	LogText    string
}

// Driver executes a run against an acquired target. It relays step
// events through emit in arrival order and must consult cancelled at
// safe checkpoints (navigation boundaries, step boundaries); the queue
// never forcibly terminates an execution mid-operation. A cancelled
// run may progress briefly past the request before honoring it.
type Driver interface {
	Execute(ctx context.Context, spec RunSpec, emit func(Event), cancelled func() bool) (*Outcome, error)
}
