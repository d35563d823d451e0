// Package wfserver exposes a read-only HTTP introspection surface over the
// workflow engine: instances and their phase state, tasks, agents, and
// governance (votes, approvals, notifications). It never mutates engine
// state — every write path belongs to the agent runtime and scheduler.
package wfserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/arranger/pkg/wfgovernance"
	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wfobs"
	"github.com/kadirpekel/arranger/pkg/wftask"
	"github.com/kadirpekel/arranger/pkg/wftemplate"
)

// Config controls server construction; all fields but Kernel/Scheduler
// are optional.
type Config struct {
	Kernel    *wfkernel.Kernel
	Scheduler *wftask.Scheduler
	Agents    wftask.AgentStore
	Gov       *wfgovernance.Service
	Templates *wftemplate.Manager

	// Spans, when set, exposes the in-memory trace recorder under
	// /debug/spans.
	Spans *wfobs.Recorder

	// AllowedOrigins configures CORS; defaults to "*" (read-only API, no
	// credentials) when empty.
	AllowedOrigins []string
}

// Server is the read-only introspection HTTP API.
type Server struct {
	cfg     Config
	metrics *Metrics
	router  chi.Router
}

// New builds a Server and wires its route table. Panics if cfg.Kernel or
// cfg.Scheduler is nil, since every endpoint depends on one of them.
func New(cfg Config) *Server {
	if cfg.Kernel == nil {
		panic("wfserver: Config.Kernel is required")
	}
	if cfg.Scheduler == nil {
		panic("wfserver: Config.Scheduler is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{cfg: cfg, metrics: NewMetrics()}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(metricsMiddleware(s.metrics))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/instances", func(r chi.Router) {
		r.Get("/", s.handleListInstances)
		r.Get("/{id}", s.handleGetInstance)
		r.Get("/{id}/phases", s.handleGetInstancePhases)
	})

	r.Get("/tasks", s.handleListTasks)
	r.Get("/agents", s.handleListAgents)

	r.Route("/governance", func(r chi.Router) {
		r.Get("/votes", s.handleListVotes)
		r.Get("/approvals", s.handleListApprovals)
		r.Get("/notifications", s.handleListNotifications)
	})

	if s.cfg.Templates != nil {
		r.Get("/templates/active", s.handleActiveTemplate)
	}

	if s.cfg.Spans != nil {
		r.Get("/debug/spans", s.handleListSpans)
	}

	return r
}

// ServeHTTP implements http.Handler so Server can be passed directly to
// http.Server / httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}
