package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/auth"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/bus"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/dispatch"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/metrics"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/queue"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/registry"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/store"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/validate"
)

// RouterConfig carries every dependency the handlers need, populated in
// cmd/server once the components are built.
type RouterConfig struct {
	Auth      *auth.Service
	Validator *validate.Validator
	Queue     *queue.Queue
	Store     *store.Store
	Registry  *registry.Registry
	Pool      *dispatch.Pool
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Readiness *Readiness
	Logger    *zap.Logger
	Service   string
	Version   string
}

// NewRouter builds the chi router: /health and /metrics open, everything
// under /v1 behind the bearer token.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	healthHandler := NewHealthHandler(cfg.Readiness, cfg.Service, cfg.Version)
	commandHandler := NewCommandHandler(cfg.Validator, cfg.Queue, cfg.Store, cfg.Pool, cfg.Bus, cfg.Logger)
	robotHandler := NewRobotHandler(cfg.Registry, cfg.Auth, cfg.Logger)
	eventsHandler := NewEventsHandler(cfg.Bus, cfg.Logger)

	r.Get("/health", healthHandler.Serve)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.Auth))

		r.Post("/command", commandHandler.Submit)
		r.Get("/command/{id}", commandHandler.Get)
		r.Post("/command/{id}/cancel", commandHandler.Cancel)
		r.Get("/commands", commandHandler.ListByTrace)

		r.Get("/robots", robotHandler.List)
		r.Post("/robots/register", robotHandler.Register)
		r.Post("/robots/heartbeat", robotHandler.Heartbeat)
		r.Get("/robots/{id}", robotHandler.Get)
		r.Delete("/robots/{id}", robotHandler.Deregister)

		r.Get("/queue", commandHandler.QueueStats)
		r.Get("/events", eventsHandler.Serve)
	})

	return r
}
