// Package gateway exposes the daemon over HTTP: a chi-routed REST API,
// a WebSocket event stream fed from the bus, health and metrics
// endpoints. Errors map onto status codes through the fault taxonomy.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/metrics"
	"github.com/basket/taskdeck/internal/queue"
	"github.com/basket/taskdeck/internal/runmanager"
	"github.com/basket/taskdeck/internal/schedule"
	"github.com/basket/taskdeck/internal/store"
	"github.com/basket/taskdeck/internal/worker"
)

type Config struct {
	Store     *store.Store
	Queue     *queue.Service
	Schedules *schedule.Engine
	Runs      *runmanager.Manager
	Workers   *worker.Pool
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// AuthToken guards every endpoint except health and metrics.
	// Empty disables auth.
	AuthToken string

	// AllowOrigins lists Origin patterns accepted for cross-origin
	// requests, REST and WS alike. Empty means same-origin only.
	AllowOrigins []string

	RateLimit RateLimitSettings

	// ConfigFingerprint is echoed by /healthz so config drift between
	// restarts is visible.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	start  time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		start:  time.Now(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observeRequests)
	r.Use(NewCORSMiddleware(s.cfg.AllowOrigins))
	r.Use(NewRateLimitMiddleware(s.cfg.RateLimit).Wrap)
	r.Use(s.requireAuth)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Post("/claim", s.handleClaimTask)
			r.Post("/archive", s.handleArchiveTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/events", s.handleTaskEvents)
				r.Post("/enqueue", s.handleEnqueueTask)
				r.Post("/dequeue", s.handleDequeueTask)
				r.Post("/complete", s.handleCompleteTask)
				r.Post("/fail", s.handleFailTask)
				r.Post("/archive", s.handleArchiveTask)
				r.Post("/reset", s.handleResetTask)
				r.Post("/abort", s.handleAbortTask)
			})
		})
		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", s.handleCreateSchedule)
			r.Get("/", s.handleListSchedules)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSchedule)
				r.Delete("/", s.handleDeleteSchedule)
				r.Post("/pause", s.handlePauseSchedule)
				r.Post("/resume", s.handleResumeSchedule)
				r.Post("/run", s.handleRunSchedule)
			})
		})
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleEnsureSession)
			r.Get("/", s.handleListSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/heartbeat", s.handleSessionHeartbeat)
				r.Post("/runs", s.handleEnqueueRun)
				r.Get("/runs", s.handleSessionRuns)
				r.Get("/mailbox", s.handleListMailbox)
				r.Delete("/mailbox", s.handleClearMailbox)
			})
		})
		r.Route("/runs", func(r chi.Router) {
			r.Post("/{id}/abort", s.handleAbortRun)
			r.Post("/heartbeat/cancel", s.handleCancelHeartbeatRuns)
		})
		r.Route("/mailbox", func(r chi.Router) {
			r.Post("/", s.handleSendEnvelope)
			r.Post("/{id}/ack", s.handleAckEnvelope)
			r.Delete("/expired", s.handlePurgeExpired)
		})
		r.Route("/agents", func(r chi.Router) {
			r.Post("/", s.handleEnsureAgent)
			r.Get("/", s.handleListAgents)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	depth, err := s.cfg.Store.QueueDepth(ctx)
	if err != nil {
		dbOK = false
	}
	body := map[string]any{
		"status":         "ok",
		"db":             dbOK,
		"queue_depth":    depth,
		"uptime_sec":     int(time.Since(s.start).Seconds()),
		"config":         s.cfg.ConfigFingerprint,
		"ws_subscribers": s.cfg.Bus.SubscriberCount(),
	}
	if s.cfg.Workers != nil {
		body["workers"] = s.cfg.Workers.Status()
	}
	if !dbOK {
		body["status"] = "degraded"
		respondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	respondJSON(w, http.StatusOK, body)
}

// observeRequests records request counts and latency per chi route.
func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The WS upgrade needs the raw ResponseWriter.
		if s.cfg.Metrics == nil || r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.cfg.Metrics.ObserveHTTP(r.Method, route, rec.code, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
