package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/casewire/casewire/pkg/bus"
	cwerrors "github.com/casewire/casewire/pkg/errors"
	"github.com/casewire/casewire/pkg/logging"
	"github.com/casewire/casewire/pkg/streamtoken"
)

type issueTokenRequest struct {
	Scope      string `json:"scope"`
	ResourceID string `json:"resourceId"`
}

// handleIssueStreamToken mints a short-lived token bound to one scope and
// one resource, for streaming clients that cannot send auth headers.
func (s *Server) handleIssueStreamToken(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	scope := streamtoken.Scope(req.Scope)

	switch scope {
	case streamtoken.ScopeProjectEvents:
		if !id.CanSee(req.ResourceID) {
			writeError(w, cwerrors.Newf(cwerrors.ErrCodeForbidden, "no access to project %q", req.ResourceID))
			return
		}
	case streamtoken.ScopeTestRunEvents:
		if _, err := s.loadVisibleRun(id, req.ResourceID); err != nil {
			writeError(w, err)
			return
		}
	case streamtoken.ScopeTestCaseFiles:
		// Test case ownership lives in the surrounding platform; the
		// coordinator only checks that the caller is authenticated.
	default:
		writeError(w, cwerrors.Newf(cwerrors.ErrCodeInvalidInput, "unknown scope %q", req.Scope))
		return
	}

	token, err := s.issuer.Issue(id.UserID, scope, req.ResourceID, streamtoken.DefaultTTL)
	if err != nil {
		writeError(w, cwerrors.Wrap(err, cwerrors.ErrCodeInternal, "issue stream token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(streamtoken.DefaultTTL.Seconds()),
	})
}

// sseWriter serializes writes to one SSE connection.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	return &sseWriter{w: w, flusher: flusher}, true
}

func (sw *sseWriter) event(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func (sw *sseWriter) raw(payload []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// ping writes an SSE comment line. Comments keep intermediaries from
// timing the connection out without reaching client-side handlers.
func (sw *sseWriter) ping() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// handleProjectEvents streams project-wide run status transitions over SSE.
// Events published before the client connected are never replayed.
func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	id, tokenAuthed, err := s.streamIdentity(r, streamtoken.ScopeProjectEvents, projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !tokenAuthed && !id.CanSee(projectID) {
		writeError(w, cwerrors.Newf(cwerrors.ErrCodeForbidden, "no access to project %q", projectID))
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, cwerrors.New(cwerrors.ErrCodeInternal, "streaming not supported"))
		return
	}

	ctx := r.Context()
	payloads := make(chan []byte, 128)

	topic := fmt.Sprintf("project.%s.runs", projectID)
	sub, err := s.bus.Subscribe(ctx, topic, func(msg *bus.Message) {
		select {
		case payloads <- msg.Data:
		default:
			// Drop if the client cannot keep up.
		}
	})
	if err != nil {
		writeError(w, cwerrors.Wrap(err, cwerrors.ErrCodeInternal, "subscribe to project events"))
		return
	}

	activeStreams.WithLabelValues("project_sse").Inc()
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			sub.Unsubscribe()
			activeStreams.WithLabelValues("project_sse").Dec()
			s.logger.Debug(logging.CategoryStream, "project_stream_closed", "", map[string]any{
				"project_id": projectID,
			})
		})
	}
	defer cleanup()

	if err := sw.event(map[string]string{"type": "connected"}); err != nil {
		return
	}

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sw.ping(); err != nil {
				return
			}
		case payload := <-payloads:
			if err := sw.raw(payload); err != nil {
				return
			}
		}
	}
}

// handleRunEventStream streams one run's execution events over SSE. The
// queue's event log is the source of truth; the handler polls it and
// forwards only events the client has not seen yet. When the run is no
// longer tracked, the persisted record resolves the final status, which
// repairs runs orphaned by a coordinator restart.
func (s *Server) handleRunEventStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	id, tokenAuthed, err := s.streamIdentity(r, streamtoken.ScopeTestRunEvents, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !tokenAuthed {
		// Header-authed callers carry project visibility; enforce it
		// against the persisted record. Token callers were already
		// bound to this exact run at issue time.
		if _, err := s.loadVisibleRun(id, runID); err != nil {
			writeError(w, err)
			return
		}
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, cwerrors.New(cwerrors.ErrCodeInternal, "streaming not supported"))
		return
	}

	ctx := r.Context()
	activeStreams.WithLabelValues("run_sse").Inc()
	defer activeStreams.WithLabelValues("run_sse").Dec()

	if err := sw.event(map[string]string{"type": "connected"}); err != nil {
		return
	}

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := sw.ping(); err != nil {
				return
			}
		case <-poll.C:
			events, tracked := s.queue.GetEvents(runID)
			if !tracked {
				s.finishAbsentRunStream(sw, runID)
				return
			}
			done := false
			for _, ev := range events[sent:] {
				if err := sw.event(ev); err != nil {
					return
				}
				if ev.Type == "status" && terminalStatus(ev.Status) {
					done = true
				}
			}
			sent = len(events)
			if done {
				return
			}
		}
	}
}

// finishAbsentRunStream emits the terminal payload for a run the queue no
// longer tracks, reconciling orphans on first read.
func (s *Server) finishAbsentRunStream(sw *sseWriter, runID string) {
	res, err := s.reconciler.ResolveAbsent(runID)
	if err != nil {
		if cwerrors.IsCode(err, cwerrors.ErrCodeNotFound) {
			_ = sw.event(map[string]string{"type": "error", "error": "run not found"})
			return
		}
		_ = sw.event(map[string]string{"type": "error", "error": "failed to resolve run"})
		return
	}
	payload := map[string]string{
		"type":   "status",
		"status": string(res.Status),
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	_ = sw.event(payload)
}

func terminalStatus(status string) bool {
	switch status {
	case "PASS", "FAIL", "CANCELLED":
		return true
	}
	return false
}

// handleProjectEventsWS is the WebSocket variant of the project event
// stream, for clients behind proxies that buffer SSE.
func (s *Server) handleProjectEventsWS(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	id, tokenAuthed, err := s.streamIdentity(r, streamtoken.ScopeProjectEvents, projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !tokenAuthed && !id.CanSee(projectID) {
		writeError(w, cwerrors.Newf(cwerrors.ErrCodeForbidden, "no access to project %q", projectID))
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	payloads := make(chan []byte, 128)
	topic := fmt.Sprintf("project.%s.runs", projectID)
	sub, err := s.bus.Subscribe(ctx, topic, func(msg *bus.Message) {
		select {
		case payloads <- msg.Data:
		default:
		}
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	defer sub.Unsubscribe()

	activeStreams.WithLabelValues("project_ws").Inc()
	defer activeStreams.WithLabelValues("project_ws").Dec()

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "connected"}); err != nil {
		return
	}

	// Drain client frames so close is noticed promptly. The stream is
	// one-way; inbound payloads are ignored.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case payload := <-payloads:
			var decoded map[string]any
			if err := json.Unmarshal(payload, &decoded); err != nil {
				continue
			}
			if err := wsjson.Write(ctx, conn, decoded); err != nil {
				return
			}
		}
	}
}
