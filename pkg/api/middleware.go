package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	cwerrors "github.com/casewire/casewire/pkg/errors"
	"github.com/casewire/casewire/pkg/logging"
	"github.com/casewire/casewire/pkg/streamtoken"
)

type contextKey string

const identityKey contextKey = "casewire.identity"

// identityFrom returns the authenticated identity stored by requireAuth.
func identityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// requireAuth resolves the caller through the platform verifier and rejects
// unauthenticated requests.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			writeError(w, cwerrors.New(cwerrors.ErrCodeUnauthenticated, "no authentication verifier configured"))
			return
		}
		id, ok := s.auth.Verify(r)
		if !ok || id == nil || id.UserID == "" {
			writeError(w, cwerrors.New(cwerrors.ErrCodeUnauthenticated, "authentication required"))
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// streamIdentity resolves auth for streaming endpoints. Browsers cannot set
// headers on EventSource connections, so a scoped stream token in the query
// string is accepted as an alternative to platform auth. The token must match
// the expected scope and the resource named in the URL.
//
// tokenAuthed reports which path resolved the identity. A token caller was
// already bound to the exact scope and resource at verification time; a
// header-authed caller was not, and the handler must still check project
// visibility for them.
func (s *Server) streamIdentity(r *http.Request, scope streamtoken.Scope, resourceID string) (id *Identity, tokenAuthed bool, err error) {
	if s.auth != nil {
		if id, ok := s.auth.Verify(r); ok && id != nil && id.UserID != "" {
			return id, false, nil
		}
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		return nil, false, cwerrors.New(cwerrors.ErrCodeUnauthenticated, "authentication required")
	}
	userID, err := s.issuer.Verify(token, scope, resourceID)
	if err != nil {
		switch err {
		case streamtoken.ErrExpiredToken:
			return nil, false, cwerrors.Wrap(err, cwerrors.ErrCodeTokenExpired, "stream token expired")
		case streamtoken.ErrScopeMismatch:
			return nil, false, cwerrors.Wrap(err, cwerrors.ErrCodeForbidden, "stream token not valid for this resource")
		default:
			return nil, false, cwerrors.Wrap(err, cwerrors.ErrCodeTokenInvalid, "invalid stream token")
		}
	}
	return &Identity{UserID: userID}, true, nil
}

// securityHeaders sets baseline response headers on every request.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles cross-origin requests from the configured origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// requestLogger records one event per completed request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.logger.Info(logging.CategoryServer, "http_request", r.Method+" "+route, map[string]any{
			"status":      sw.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

// statusWriter captures the response status for logging. It forwards
// Flush so SSE handlers keep working behind the middleware chain.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wrote {
		w.status = status
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack forwards connection hijacking so the WebSocket upgrade works
// behind the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, cwerrors.New(cwerrors.ErrCodeInternal, "response writer does not support hijacking")
	}
	return hj.Hijack()
}
