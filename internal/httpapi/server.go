// Package httpapi serves the control plane: the internal endpoints workers
// call, approval decisions, workflow control, task queries and the live event
// stream.
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/rendis/homeos/internal/approval"
	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/streaming"
	"github.com/rendis/homeos/internal/validation"
	"github.com/rendis/homeos/internal/workflows"
	"github.com/rendis/homeos/pkg/schema"
)

// Approvals is the approval lifecycle the server drives.
type Approvals interface {
	RequestApproval(ctx context.Context, in approval.RequestInput) (*schema.ApprovalRequest, error)
	Approve(ctx context.Context, envelopeID, responderID string) (*schema.ApprovalResponse, error)
	Deny(ctx context.Context, envelopeID, responderID, reason string) (*schema.ApprovalResponse, error)
	Redeliver(ctx context.Context, envelopeID string) error
	Get(ctx context.Context, envelopeID string) (*schema.ApprovalRequest, error)
	ListPending(ctx context.Context, workspaceID string) ([]*schema.ApprovalRequest, error)
}

// Workflows controls running instances.
type Workflows interface {
	Status(ctx context.Context, workflowID string) (*store.WorkflowInstance, error)
	Signal(ctx context.Context, workflowID, name string, payload any) error
	Cancel(ctx context.Context, workflowID, reason string) error
}

// Launcher starts a workflow together with its task.
type Launcher interface {
	Launch(ctx context.Context, req workflows.LaunchRequest) (*workflows.Launched, error)
}

// Tasks answers task queries.
type Tasks interface {
	Get(ctx context.Context, id string) (*schema.Task, error)
	List(ctx context.Context, filter store.TaskFilter) ([]*schema.Task, error)
}

// Events records audit events posted by workers.
type Events interface {
	Emit(ctx context.Context, ev audit.Event)
}

// PoolStats reports activity pool counters on /healthz.
type PoolStats interface {
	Metrics() engine.PoolMetrics
}

// Deps holds the collaborators of the server.
type Deps struct {
	Approvals Approvals
	Workflows Workflows
	Launcher  Launcher
	Tasks     Tasks
	Events    Events
	Hub       streaming.EventHub
	Validator *validation.Validator
	Pool      PoolStats
	Logger    *slog.Logger

	// ServiceToken guards /internal and /api. An empty token rejects every
	// call except /healthz.
	ServiceToken string
	CORSOrigins  []string
}

// Server is the control plane HTTP surface.
type Server struct {
	deps Deps
}

// New builds a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{deps: deps}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	if len(s.deps.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.deps.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", audit.ServiceTokenHeader},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireServiceToken)
		r.Post("/approvals", s.handleRequestApproval)
		r.Post("/events", s.handleEvent)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireServiceToken)
		r.Get("/approvals", s.handleListApprovals)
		r.Get("/approvals/{envelopeId}", s.handleGetApproval)
		r.Post("/approvals/{envelopeId}/approve", s.handleApprove)
		r.Post("/approvals/{envelopeId}/deny", s.handleDeny)
		r.Post("/approvals/{envelopeId}/redeliver", s.handleRedeliver)

		r.Post("/workflows", s.handleStartWorkflow)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Post("/workflows/{id}/signals/{name}", s.handleSignal)
		r.Post("/workflows/{id}/cancel", s.handleCancel)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)

		r.Get("/events/stream", s.handleEventStream)
	})
	return r
}

// ListenAndServe serves addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.deps.Logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func (s *Server) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(audit.ServiceTokenHeader)
		want := s.deps.ServiceToken
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, schema.NewError(schema.ErrCodePermissionDenied, "invalid service token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.deps.Logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Pool != nil {
		body["pool"] = s.deps.Pool.Metrics()
	}
	writeJSON(w, http.StatusOK, body)
}
