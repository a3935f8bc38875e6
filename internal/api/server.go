// Package api exposes the platform over REST/JSON plus the live event
// surfaces (SSE and WebSocket). Every /api/v1 route runs behind tenant
// authentication and the per-org rate limit; role checks live in the
// handlers because they differ per route.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/partstream/backend/internal/audit"
	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/bom"
	"github.com/partstream/backend/internal/catalog"
	"github.com/partstream/backend/internal/circuitbreaker"
	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/database"
	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/ingest"
	"github.com/partstream/backend/internal/locks"
	"github.com/partstream/backend/internal/middleware"
	"github.com/partstream/backend/internal/monitoring"
	"github.com/partstream/backend/internal/stream"
	"github.com/partstream/backend/internal/suppliers"
	"github.com/partstream/backend/internal/webhooks"
	"github.com/partstream/backend/internal/workflow"
	"github.com/partstream/backend/pkg/plugins"
)

// WorkflowController is the slice of the workflow engine the API drives.
type WorkflowController interface {
	Signal(ctx context.Context, workflowID string, sig workflow.Signal, actor, reason string) error
	Progress(ctx context.Context, workflowID string) (*workflow.Instance, error)
}

// SnapshotPromoter promotes staged components into the shared catalog.
type SnapshotPromoter interface {
	Promote(ctx context.Context, ac auth.Context, redisKey, reason string) (*catalog.Component, error)
	PromoteByIdentity(ctx context.Context, ac auth.Context, mpn, manufacturer, reason string) (*catalog.Component, error)
}

// SupplierGateway is the admin-facing view of the supplier fan-out.
type SupplierGateway interface {
	Adapters() []plugins.Info
	BreakerStats() map[string]circuitbreaker.Stats
	Usage(ctx context.Context, supplier string, sinceMinutes int) ([]suppliers.UsageSample, error)
}

// SettingsStore persists runtime setting overrides.
type SettingsStore interface {
	UpsertPlatformSetting(ctx context.Context, s *database.PlatformSetting) error
}

// Deps carries every service the HTTP surface fronts. Optional fields are
// documented; everything else must be set.
type Deps struct {
	BOMs      *bom.Repository
	Registrar *ingest.Registrar
	Engine    WorkflowController
	Workflows *workflow.Repository
	Snapshots *catalog.SnapshotRepo
	Promoter  SnapshotPromoter
	Suppliers SupplierGateway
	Settings  *config.Resolver
	Overrides SettingsStore // nil disables setting writes
	Webhooks  *webhooks.Registry
	Objects   audit.ObjectStore
	Bus       *events.MemoryBus
	Publisher events.Publisher
	Hub       *stream.Hub
	Health    *monitoring.Health
	Metrics   *monitoring.Metrics
	Auth      *middleware.Authenticator
	Limiter   *middleware.RateLimiter

	// Idempotency pins registration outcomes to caller-supplied
	// Idempotency-Key headers; nil disables replay detection.
	Idempotency locks.IdempotencyStore
}

type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "api"),
	}
}

// Routes builds the full router. Health and metrics stay outside the
// authenticated subtree so probes and the scraper need no credentials.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.deps.Health.Handler()).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.deps.Auth.Middleware)
	if s.deps.Limiter != nil {
		v1.Use(s.deps.Limiter.Middleware)
	}
	v1.Use(s.instrument)

	// --- BOMs ---
	v1.HandleFunc("/boms", s.handleRegisterBOM).Methods("POST")
	v1.HandleFunc("/boms", s.handleListBOMs).Methods("GET")
	v1.HandleFunc("/boms/count", s.handleCountBOMs).Methods("GET")
	v1.HandleFunc("/boms/{id}", s.handleGetBOM).Methods("GET")
	v1.HandleFunc("/boms/{id}", s.handleDeleteBOM).Methods("DELETE")
	v1.HandleFunc("/boms/{id}/lines", s.handleListLines).Methods("GET")
	v1.HandleFunc("/boms/{id}/progress", s.handleBOMProgress).Methods("GET")
	v1.HandleFunc("/boms/{id}/audit", s.handleBOMAudit).Methods("GET")
	v1.HandleFunc("/boms/{id}/signals", s.handleSignalBOM).Methods("POST")

	// --- Workflows ---
	v1.HandleFunc("/workflows", s.handleListWorkflows).Methods("GET")
	v1.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods("GET")
	v1.HandleFunc("/workflows/{id}/history", s.handleWorkflowHistory).Methods("GET")
	v1.HandleFunc("/workflows/{id}/signals", s.handleSignalWorkflow).Methods("POST")

	// --- Components & catalog ---
	v1.HandleFunc("/components/enrich", s.handleEnrichComponent).Methods("POST")
	v1.HandleFunc("/snapshots", s.handleListSnapshots).Methods("GET")
	v1.HandleFunc("/snapshots/promote", s.handlePromoteSnapshot).Methods("POST")

	// --- Suppliers ---
	v1.HandleFunc("/suppliers", s.handleSupplierStatus).Methods("GET")
	v1.HandleFunc("/suppliers/usage", s.handleSupplierUsage).Methods("GET")

	// --- Settings ---
	v1.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	v1.HandleFunc("/settings/invalidate", s.handleInvalidateSettings).Methods("POST")
	v1.HandleFunc("/settings/{key}", s.handleUpdateSetting).Methods("PUT")

	// --- Webhooks ---
	v1.HandleFunc("/webhooks", s.handleListWebhooks).Methods("GET")
	v1.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods("POST")
	v1.HandleFunc("/webhooks/{id}", s.handleDeleteWebhook).Methods("DELETE")

	// --- Live events ---
	v1.HandleFunc("/events/stream", s.handleSSE).Methods("GET")
	v1.HandleFunc("/events/ws", s.deps.Hub.HandleWebSocket).Methods("GET")

	return r
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	// WriteTimeout stays zero: SSE and WebSocket responses are long-lived.
	s.http = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	s.logger.Info("🚀 API listening", "addr", s.http.Addr, "env", s.cfg.Env)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Org-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the request metric.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrument times every request against its route template, so metric
// cardinality stays bounded by the route table rather than by IDs.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The live event routes hold their connection open for the whole
		// session; timing them as requests would only skew the histogram.
		// They also need the raw ResponseWriter for flushing and hijack.
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil && isStreamingRoute(tmpl) {
				next.ServeHTTP(w, r)
				return
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		tmpl := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if t, err := route.GetPathTemplate(); err == nil {
				tmpl = t
			}
		}
		elapsed := time.Since(start).Seconds()
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordHTTPRequest(r.Method, tmpl, rec.status, elapsed)
		}
		if rec.status >= 500 {
			s.logger.Warn("request failed", "method", r.Method, "route", tmpl, "status", rec.status)
		}
	})
}

func isStreamingRoute(tmpl string) bool {
	return tmpl == "/api/v1/events/stream" || tmpl == "/api/v1/events/ws"
}
