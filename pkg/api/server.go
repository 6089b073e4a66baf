// Package api exposes the coordinator over HTTP: run submission and
// cancellation, device lifecycle, stream token issuance, and live event
// streams over SSE and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/casewire/casewire/pkg/bus"
	cwerrors "github.com/casewire/casewire/pkg/errors"
	"github.com/casewire/casewire/pkg/logging"
	"github.com/casewire/casewire/pkg/pool"
	"github.com/casewire/casewire/pkg/queue"
	"github.com/casewire/casewire/pkg/reconcile"
	"github.com/casewire/casewire/pkg/storage"
	"github.com/casewire/casewire/pkg/streamtoken"
)

// Identity describes an authenticated caller and the projects it may see.
type Identity struct {
	UserID     string
	ProjectIDs []string
}

// CanSee reports whether the identity has visibility into projectID.
func (id *Identity) CanSee(projectID string) bool {
	for _, p := range id.ProjectIDs {
		if p == projectID {
			return true
		}
	}
	return false
}

// AuthVerifier resolves the caller identity from a request. The coordinator
// does not own accounts or sessions; the surrounding platform supplies the
// verifier.
type AuthVerifier interface {
	Verify(r *http.Request) (*Identity, bool)
}

// Config carries the HTTP surface settings.
type Config struct {
	BindAddress    string
	AllowedOrigins []string

	// Heartbeat is the interval between SSE/WS keep-alive frames.
	Heartbeat time.Duration

	// PollInterval is how often the run event stream checks for new events.
	PollInterval time.Duration

	// PublicMetrics exposes /metrics without authentication.
	PublicMetrics bool
}

// Server is the coordinator HTTP server.
type Server struct {
	cfg        Config
	queue      *queue.Queue
	pool       *pool.Pool
	store      *storage.Store
	bus        bus.MessageBus
	reconciler *reconcile.Reconciler
	issuer     *streamtoken.Issuer
	auth       AuthVerifier
	logger     *logging.Logger

	httpServer *http.Server
}

// NewServer wires the coordinator components into an HTTP server. The server
// does not own the components; callers remain responsible for closing them.
func NewServer(cfg Config, q *queue.Queue, p *pool.Pool, store *storage.Store, b bus.MessageBus, rec *reconcile.Reconciler, issuer *streamtoken.Issuer, auth AuthVerifier, logger *logging.Logger) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	s := &Server{
		cfg:        cfg,
		queue:      q,
		pool:       p,
		store:      store,
		bus:        b,
		reconciler: rec,
		issuer:     issuer,
		auth:       auth,
		logger:     logger,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(s.securityHeaders)
	r.Use(s.corsMiddleware)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	if s.cfg.PublicMetrics {
		r.Get("/metrics", s.handleMetrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if !s.cfg.PublicMetrics {
			r.With(s.requireAuth).Get("/metrics", s.handleMetrics)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/test-cases/{caseID}/runs", s.handleSubmitRun)
			r.Get("/runs/{runID}", s.handleGetRun)
			r.Get("/runs/{runID}/events", s.handleGetRunEvents)
			r.Post("/runs/{runID}/cancel", s.handleCancelRun)
			r.Get("/test-cases/{caseID}/runs", s.handleListRuns)

			r.Get("/devices", s.handleListDevices)
			r.Post("/devices", s.handleBootDevice)
			r.Delete("/devices/{deviceID}", s.handleStopDevice)
			r.Get("/devices/{deviceID}/packages", s.handleDevicePackages)

			r.Get("/device-profiles", s.handleListProfiles)
			r.Put("/device-profiles/{name}", s.handlePutProfile)

			r.Post("/stream-tokens", s.handleIssueStreamToken)

			r.Get("/queue/stats", s.handleQueueStats)
		})

		// Streaming endpoints accept either platform auth or a scoped
		// stream token in the query string, so they carry their own
		// auth resolution.
		r.Get("/projects/{projectID}/events", s.handleProjectEvents)
		r.Get("/projects/{projectID}/events/ws", s.handleProjectEventsWS)
		r.Get("/runs/{runID}/stream", s.handleRunEventStream)
	})

	return r
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info(logging.CategoryServer, "server_start", "listening on "+s.cfg.BindAddress, nil)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return cwerrors.Wrap(err, cwerrors.ErrCodeInternal, "http server failed")
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, cwerrors.Wrap(err, cwerrors.ErrCodeStorageRead, "storage not ready"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a coordinator error to an HTTP status and writes the
// standard error envelope.
func writeError(w http.ResponseWriter, err error) {
	code := cwerrors.GetCode(err)
	writeJSON(w, httpStatus(code), map[string]interface{}{
		"error": map[string]string{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

func httpStatus(code cwerrors.ErrorCode) int {
	switch code {
	case cwerrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case cwerrors.ErrCodeUnauthenticated, cwerrors.ErrCodeTokenInvalid, cwerrors.ErrCodeTokenExpired:
		return http.StatusUnauthorized
	case cwerrors.ErrCodeForbidden:
		return http.StatusForbidden
	case cwerrors.ErrCodeNotFound:
		return http.StatusNotFound
	case cwerrors.ErrCodeConflict, cwerrors.ErrCodeRunTerminal:
		return http.StatusConflict
	case cwerrors.ErrCodePoolExhausted:
		return http.StatusServiceUnavailable
	case cwerrors.ErrCodeBootFailed, cwerrors.ErrCodeDeviceOffline:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return cwerrors.Wrap(err, cwerrors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}
