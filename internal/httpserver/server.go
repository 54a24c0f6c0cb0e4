package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fieldrelay/syncore/internal/config"
	"github.com/fieldrelay/syncore/pkg/model"
	"github.com/fieldrelay/syncore/pkg/outbox"
)

// Server is the demo host's debug/inspection HTTP surface. It carries no
// domain logic of its own — it exposes the reducer-driven process's internal
// state (outbox queue depth, counters, quarantined entries) for operators
// running cmd/syncoresim, plus the standard healthz/metrics endpoints.
type Server struct {
	Router    *chi.Mux
	Logger    *zap.Logger
	Outbox    *outbox.Engine
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates the debug HTTP server with middleware and the
// healthz/metrics/debug-outbox endpoints mounted.
func NewServer(cfg *config.Config, logger *zap.Logger, engine *outbox.Engine, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Outbox:    engine,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedHosts,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	s.Router.Get("/debug/outbox", s.handleDebugOutbox)
	s.Router.Get("/debug/outbox/{opID}", s.handleDebugOutboxEntry)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}

// debugOutboxResponse is the JSON shape returned by handleDebugOutbox.
type debugOutboxResponse struct {
	Metrics     outbox.Metrics    `json:"metrics"`
	QueueDepth  outbox.QueueDepth `json:"queue_depth"`
	Quarantined int               `json:"quarantined_count"`
}

// handleDebugOutbox dumps the outbox engine's counters, per-state/intent
// queue depth, and the number of entries that failed to load on startup.
func (s *Server) handleDebugOutbox(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, debugOutboxResponse{
		Metrics:     s.Outbox.Metrics(),
		QueueDepth:  s.Outbox.QueueDepth(),
		Quarantined: len(s.Outbox.Quarantined()),
	})
}

// handleDebugOutboxEntry returns a single outbox entry by op id, for
// inspecting why a particular mutation is stuck.
func (s *Server) handleDebugOutboxEntry(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "opID")
	entry, ok := s.Outbox.Get(model.OpId(opID))
	if !ok {
		RespondError(w, http.StatusNotFound, "not_found", "no outbox entry with that op id")
		return
	}
	Respond(w, http.StatusOK, entry)
}
