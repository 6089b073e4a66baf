package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/casewire/casewire/pkg/storage"
	"github.com/casewire/casewire/pkg/streamtoken"
)

// sseSession reads data frames from an open SSE response. Comment lines
// (heartbeats) are skipped.
type sseSession struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

func openSSE(t *testing.T, url string) *sseSession {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		resp.Body.Close()
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	return &sseSession{resp: resp, scanner: bufio.NewScanner(resp.Body)}
}

func (s *sseSession) close() { s.resp.Body.Close() }

// next returns the JSON payload of the next data frame.
func (s *sseSession) next(t *testing.T) map[string]any {
	t.Helper()
	payload, ok := s.tryNext()
	if !ok {
		t.Fatalf("stream ended early: %v", s.scanner.Err())
	}
	return payload
}

// tryNext is next for reader goroutines: it reports stream end instead
// of failing the test.
func (s *sseSession) tryNext() (map[string]any, bool) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
			return nil, false
		}
		return payload, true
	}
	return nil, false
}

func streamToken(t *testing.T, f *fixture, scope streamtoken.Scope, resourceID string) string {
	t.Helper()
	token, err := f.issuer.Issue("alice", scope, resourceID, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestRunEventStreamDeliversTerminalStatus(t *testing.T) {
	f := newFixture(t, &fakeDriver{})
	runID := submitRun(t, f)

	token := streamToken(t, f, streamtoken.ScopeTestRunEvents, runID)
	sess := openSSE(t, f.srv.URL+"/api/v1/runs/"+runID+"/stream?token="+token)
	defer sess.close()

	first := sess.next(t)
	if first["type"] != "connected" {
		t.Fatalf("first frame type = %v, want connected", first["type"])
	}

	var statuses []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			frame, ok := sess.tryNext()
			if !ok {
				return
			}
			if frame["type"] == "status" {
				status, _ := frame["status"].(string)
				statuses = append(statuses, status)
				if terminalStatus(status) {
					return
				}
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal status within deadline")
	}

	if len(statuses) == 0 || statuses[len(statuses)-1] != "PASS" {
		t.Fatalf("status sequence %v does not end in PASS", statuses)
	}
	for i := 1; i < len(statuses); i++ {
		if statuses[i-1] == statuses[i] {
			t.Fatalf("status sequence %v repeats %q", statuses, statuses[i])
		}
	}
}

func TestRunEventStreamRejectsBadToken(t *testing.T) {
	f := newFixture(t, &fakeDriver{})
	runID := submitRun(t, f)
	waitForTerminal(t, f, runID)

	resp, err := http.Get(f.srv.URL + "/api/v1/runs/" + runID + "/stream?token=garbage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	// A token bound to a different run must not open this stream.
	other := streamToken(t, f, streamtoken.ScopeTestRunEvents, "other-run")
	resp, err = http.Get(f.srv.URL + "/api/v1/runs/" + runID + "/stream?token=" + other)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-resource status = %d, want 403", resp.StatusCode)
	}
}

func TestStreamsRejectHeaderAuthWithoutProjectAccess(t *testing.T) {
	f := newFixture(t, &fakeDriver{})
	runID := submitRun(t, f)
	waitForTerminal(t, f, runID)

	// A valid platform identity with no project memberships must not be
	// treated like a token caller; every stream it opens by header gets
	// the full visibility check.
	paths := []string{
		"/api/v1/projects/p1/events",
		"/api/v1/projects/p1/events/ws",
		"/api/v1/runs/" + runID + "/stream",
	}
	for _, path := range paths {
		resp := f.do(t, http.MethodGet, path, "nobody-token", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("GET %s as projectless user: status = %d, want 403", path, resp.StatusCode)
		}
	}

	// The same projectless user with a resource-bound token still streams.
	token := streamToken(t, f, streamtoken.ScopeTestRunEvents, runID)
	sess := openSSE(t, f.srv.URL+"/api/v1/runs/"+runID+"/stream?token="+token)
	defer sess.close()
	if first := sess.next(t); first["type"] != "connected" {
		t.Fatalf("first frame type = %v, want connected", first["type"])
	}
}

func TestRunEventStreamResolvesOrphan(t *testing.T) {
	f := newFixture(t, &fakeDriver{})

	// A run persisted as RUNNING with no queue entry models a run that
	// was in flight when the coordinator restarted.
	orphan := &storage.TestRun{
		ID:            "orphan-1",
		TestCaseID:    "tc-1",
		ProjectID:     "p1",
		Status:        storage.RunStatusQueued,
		DeviceProfile: "pixel-7",
		CreatedAt:     time.Now().UTC(),
	}
	if err := f.store.CreateRun(orphan); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := f.store.MarkRunRunning(orphan.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	token := streamToken(t, f, streamtoken.ScopeTestRunEvents, orphan.ID)
	sess := openSSE(t, f.srv.URL+"/api/v1/runs/"+orphan.ID+"/stream?token="+token)
	defer sess.close()

	if first := sess.next(t); first["type"] != "connected" {
		t.Fatalf("first frame type = %v, want connected", first["type"])
	}
	frame := sess.next(t)
	if frame["type"] != "status" || frame["status"] != "FAIL" {
		t.Fatalf("frame = %v, want FAIL status", frame)
	}
	if frame["error"] != "test run was interrupted by a coordinator restart" {
		t.Fatalf("error = %v, want interruption message", frame["error"])
	}

	run, err := f.store.GetRun(orphan.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != storage.RunStatusFail {
		t.Fatalf("persisted status = %q, want FAIL", run.Status)
	}
}

func TestProjectEventStream(t *testing.T) {
	f := newFixture(t, &fakeDriver{})

	token := streamToken(t, f, streamtoken.ScopeProjectEvents, "p1")
	sess := openSSE(t, f.srv.URL+"/api/v1/projects/p1/events?token="+token)
	defer sess.close()

	if first := sess.next(t); first["type"] != "connected" {
		t.Fatalf("first frame type = %v, want connected", first["type"])
	}

	runID := submitRun(t, f)

	deadline := time.After(5 * time.Second)
	frames := make(chan map[string]any)
	go func() {
		for {
			frame, ok := sess.tryNext()
			if !ok {
				return
			}
			frames <- frame
		}
	}()

	sawTerminal := false
	for !sawTerminal {
		select {
		case frame := <-frames:
			if frame["type"] != "test-run-status" {
				continue
			}
			if frame["runId"] != runID {
				t.Fatalf("frame for unexpected run %v", frame["runId"])
			}
			if terminalStatus(frame["status"].(string)) {
				sawTerminal = true
			}
		case <-deadline:
			t.Fatal("no terminal project event within deadline")
		}
	}
}

func TestProjectEventStreamNoBacklog(t *testing.T) {
	f := newFixture(t, &fakeDriver{})

	// Run to completion before anyone subscribes. The terminal status
	// becomes visible slightly before its bus publication; give the
	// publish time to land while nobody is listening.
	runID := submitRun(t, f)
	waitForTerminal(t, f, runID)
	time.Sleep(100 * time.Millisecond)

	token := streamToken(t, f, streamtoken.ScopeProjectEvents, "p1")
	sess := openSSE(t, f.srv.URL+"/api/v1/projects/p1/events?token="+token)
	defer sess.close()

	if first := sess.next(t); first["type"] != "connected" {
		t.Fatalf("first frame type = %v, want connected", first["type"])
	}

	// Only events published after connect may arrive. Submit a second
	// run; its events must be the first thing on the wire.
	second := submitRun(t, f)
	frame := sess.next(t)
	if frame["type"] != "test-run-status" {
		t.Fatalf("frame = %v, want test-run-status", frame)
	}
	if frame["runId"] != second {
		t.Fatalf("got replayed event for run %v, want only run %s", frame["runId"], second)
	}
}

func TestProjectEventStreamWebSocket(t *testing.T) {
	f := newFixture(t, &fakeDriver{})

	token := streamToken(t, f, streamtoken.ScopeProjectEvents, "p1")
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/projects/p1/events/ws?token=" + token

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	var first map[string]any
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read connected frame: %v", err)
	}
	if first["type"] != "connected" {
		t.Fatalf("first frame type = %v, want connected", first["type"])
	}

	runID := submitRun(t, f)

	for {
		var frame map[string]any
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame["type"] != "test-run-status" {
			continue
		}
		if frame["runId"] != runID {
			t.Fatalf("frame for unexpected run %v", frame["runId"])
		}
		return
	}
}
