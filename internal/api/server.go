package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-coordinator/internal/auth"
	"github.com/JakeFAU/scraper-coordinator/internal/configs"
	"github.com/JakeFAU/scraper-coordinator/internal/dispatcher"
	"github.com/JakeFAU/scraper-coordinator/internal/lease"
	"github.com/JakeFAU/scraper-coordinator/internal/logging"
	"github.com/JakeFAU/scraper-coordinator/internal/metrics"
	"github.com/JakeFAU/scraper-coordinator/internal/results"
)

const defaultRequestTimeout = 30 * time.Second

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Gateway    *auth.Gateway
	Registry   *auth.Registry
	Dispatcher *dispatcher.Dispatcher
	Leases     *lease.Manager
	Results    *results.Service
	Configs    *configs.Service
	// Ready reports whether downstream dependencies are reachable.
	Ready          func(ctx context.Context) error
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the coordinator services.
type Server struct {
	router     chi.Router
	gateway    *auth.Gateway
	registry   *auth.Registry
	dispatcher *dispatcher.Dispatcher
	leases     *lease.Manager
	results    *results.Service
	configs    *configs.Service
	ready      func(ctx context.Context) error
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(d Deps) *Server {
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		gateway:    d.Gateway,
		registry:   d.Registry,
		dispatcher: d.Dispatcher,
		leases:     d.Leases,
		results:    d.Results,
		configs:    d.Configs,
		ready:      d.Ready,
		logger:     logging.OrNop(d.Logger).Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/scraper/v1", func(r chi.Router) {
		r.Use(s.requireRunner)
		r.Post("/poll", s.poll)
		r.Post("/heartbeat", s.heartbeat)
		r.Post("/jobs/{job_id}/complete", s.completeJob)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/scraper-network/callback", s.callback)

		r.Group(func(r chi.Router) {
			r.Use(s.requireStaff(auth.RoleAdmin, auth.RoleStaff))

			r.Post("/scraper-jobs", s.createJob)
			r.Get("/scraper-jobs/{job_id}", s.getJob)
			r.Post("/scraper-jobs/{job_id}/cancel", s.cancelJob)

			r.Get("/scraper-network/runners", s.listRunners)
			r.Post("/scraper-network/runners", s.registerRunner)
			r.Post("/scraper-network/runners/{name}/revoke", s.revokeRunner)

			r.Post("/scraper-configs", s.createConfig)
			r.Route("/scraper-configs/{config_id}", func(r chi.Router) {
				r.Get("/", s.getConfig)
				r.Get("/versions", s.listVersions)
				r.Put("/draft", s.saveDraft)
				r.Post("/validate", s.validateConfig)
				r.Post("/publish", s.publishConfig)
				r.Post("/rollback", s.rollbackConfig)
				r.Post("/test-runs", s.startTestRun)
				r.Get("/test-runs/{run_id}", s.getTestRun)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router wrapped in OpenTelemetry server instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "scraper-coordinator",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
