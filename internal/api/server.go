// Package api serves the HTTP interface: the kv_store secret endpoints, the
// catalog, keys, bindings and audit administration, health and metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/tokaysec/internal/logging"
	"github.com/rendis/tokaysec/internal/metrics"
	"github.com/rendis/tokaysec/internal/service"
)

// RequestIDHeader echoes the correlation id of a request.
const RequestIDHeader = "X-Request-Id"

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the dependencies of the server.
type Deps struct {
	Service       *service.Service
	Auth          Authenticator
	Health        Pinger
	EnableMetrics bool
	Logger        *slog.Logger
}

// Server routes HTTP requests to the service.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Auth == nil {
		deps.Auth = HeaderAuthenticator{}
	}
	return &Server{deps: deps}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("POST /v1/store/kv_store", s.handlePutSecret)
	api.HandleFunc("GET /v1/store/kv_store/{namespace}/{project}", s.handleListSecrets)
	api.HandleFunc("GET /v1/store/kv_store/{namespace}/{project}/{name}", s.handleGetSecret)
	api.HandleFunc("GET /v1/store/kv_store/{namespace}/{project}/{name}/versions", s.handleSecretVersions)
	api.HandleFunc("DELETE /v1/store/kv_store/{namespace}/{project}/{name}", s.handleDeleteSecret)

	api.HandleFunc("GET /v1/namespaces", s.handleListNamespaces)
	api.HandleFunc("POST /v1/namespaces", s.handleCreateNamespace)
	api.HandleFunc("PATCH /v1/namespaces/{namespace}", s.handleRenameNamespace)
	api.HandleFunc("DELETE /v1/namespaces/{namespace}", s.handleDeleteNamespace)
	api.HandleFunc("GET /v1/namespaces/{namespace}/projects", s.handleListProjects)
	api.HandleFunc("POST /v1/namespaces/{namespace}/projects", s.handleCreateProject)
	api.HandleFunc("DELETE /v1/namespaces/{namespace}/projects/{project}", s.handleDeleteProject)

	api.HandleFunc("POST /v1/keys/rotate", s.handleRotateKey)
	api.HandleFunc("GET /v1/keys", s.handleListKeys)

	api.HandleFunc("GET /v1/bindings", s.handleListBindings)
	api.HandleFunc("POST /v1/bindings", s.handleCreateBinding)
	api.HandleFunc("DELETE /v1/bindings/{id}", s.handleDeleteBinding)

	api.HandleFunc("GET /v1/audit", s.handleReadAudit)
	api.HandleFunc("GET /v1/audit/stream", s.handleAuditStream)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.EnableMetrics {
		root.Handle("GET /metrics", metrics.Handler())
	}
	root.Handle("/v1/", s.authenticate(api))
	return s.withRequestID(root)
}

// withRequestID tags every request with a correlation id, reusing the
// caller's when present.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// authenticate resolves the principal and stores it in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.deps.Auth.Authenticate(r)
		if err != nil {
			s.deps.Logger.DebugContext(r.Context(), "authentication failed",
				slog.String("path", r.URL.Path), slog.String("error", err.Error()))
			writeError(w, err)
			return
		}
		start := time.Now()
		ctx := logging.WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
		logging.LogWith(ctx, s.deps.Logger).DebugContext(ctx, "request served",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
