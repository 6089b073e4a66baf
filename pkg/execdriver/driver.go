// Package execdriver runs test executions as child processes. The
// coordinator stays agnostic of how steps are performed; the child
// speaks a small JSONL protocol on stdout and receives the run context
// in environment variables.
package execdriver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	cwerrors "github.com/casewire/casewire/pkg/errors"
	"github.com/casewire/casewire/pkg/logging"
	"github.com/casewire/casewire/pkg/queue"
)

// maxLogBytes caps the captured child output per run.
const maxLogBytes = 1 << 20

// cancelPollInterval is how often a running child is checked against
// the run's cancellation flag.
const cancelPollInterval = 250 * time.Millisecond

// Driver launches one child process per run.
type Driver struct {
	command []string
	logger  *logging.Logger
}

// New creates a Driver for the given command line. The command is
// launched as-is; run context is injected through CASEWIRE_* variables.
func New(command []string, logger *logging.Logger) (*Driver, error) {
	if len(command) == 0 {
		return nil, cwerrors.New(cwerrors.ErrCodeInvalidInput, "driver command is empty")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Driver{command: command, logger: logger}, nil
}

// Execute runs the child to completion. Stdout lines that parse as
// events are relayed through emit; everything else lands in the run
// log. Cancellation is delivered as SIGTERM and the child is expected
// to wind down at its next checkpoint; it is never force-killed here.
func (d *Driver) Execute(ctx context.Context, spec queue.RunSpec, emit func(queue.Event), cancelled func() bool) (*queue.Outcome, error) {
	cmd := exec.Command(d.command[0], d.command[1:]...)
	cmd.Env = append(os.Environ(),
		"CASEWIRE_RUN_ID="+spec.RunID,
		"CASEWIRE_TEST_CASE_ID="+spec.TestCaseID,
		"CASEWIRE_PROJECT_ID="+spec.ProjectID,
		"CASEWIRE_PROFILE="+spec.Profile,
		"CASEWIRE_DEVICE_ID="+spec.DeviceID,
		"CASEWIRE_INSTANCE_ID="+spec.InstanceID,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, cwerrors.Wrap(err, cwerrors.ErrCodeInternal, "open driver stdout")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, cwerrors.Wrap(err, cwerrors.ErrCodeInternal, "start driver process")
	}

	d.logger.Debug(logging.CategoryQueue, "driver_started", "", map[string]any{
		"run_id": spec.RunID,
		"pid":    cmd.Process.Pid,
	})

	// Relay cancellation as a termination request. The poll stops when
	// the process exits.
	pollDone := make(chan struct{})
	defer close(pollDone)
	go func() {
		signalled := false
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollDone:
				return
			case <-ticker.C:
				if !signalled && (cancelled() || ctx.Err() != nil) {
					_ = cmd.Process.Signal(syscall.SIGTERM)
					signalled = true
				}
			}
		}
	}()

	var logBuf strings.Builder
	var resultJSON string

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if logBuf.Len() < maxLogBytes {
			logBuf.WriteString(line)
			logBuf.WriteByte('\n')
		}

		var ev queue.Event
		if json.Unmarshal([]byte(line), &ev) != nil || ev.Type == "" {
			continue
		}
		if ev.Type == "result" {
			if data, err := json.Marshal(ev.Data); err == nil {
				resultJSON = string(data)
			}
			continue
		}
		emit(ev)
	}

	waitErr := cmd.Wait()
	outcome := &queue.Outcome{
		Passed:     waitErr == nil,
		ResultJSON: resultJSON,
		LogText:    logBuf.String(),
	}

	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); ok {
			// Nonzero exit is a failed test, not a driver error.
			return outcome, nil
		}
		return outcome, fmt.Errorf("driver process: %w", waitErr)
	}
	return outcome, nil
}
