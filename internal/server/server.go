package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/config"
	"github.com/sigmapilot/lens/internal/database"
	"github.com/sigmapilot/lens/internal/dlq"
	"github.com/sigmapilot/lens/internal/hub"
	"github.com/sigmapilot/lens/internal/metrics"
	"github.com/sigmapilot/lens/internal/queue"
	"github.com/sigmapilot/lens/internal/registry"
	"github.com/sigmapilot/lens/internal/store"
)

// Server hosts the HTTP API, the metrics endpoint and the WebSocket
// subscription transport.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	auth    *Authenticator
	limiter *RateLimiter

	db          *database.DB
	queueClient *queue.Client
	producer    *queue.Producer
	events      *store.EventStore
	decisions   *store.DecisionStore
	timeline    *store.TimelineStore
	dlqManager  *dlq.Manager
	llmConfigs  *registry.LLMConfigRegistry
	prompts     *registry.PromptRegistry
	hub         *hub.Hub
	metrics     *metrics.Metrics

	httpServer *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config      *config.Config
	Log         zerolog.Logger
	DB          *database.DB
	QueueClient *queue.Client
	Producer    *queue.Producer
	Events      *store.EventStore
	Decisions   *store.DecisionStore
	Timeline    *store.TimelineStore
	DLQManager  *dlq.Manager
	LLMConfigs  *registry.LLMConfigRegistry
	Prompts     *registry.PromptRegistry
	Hub         *hub.Hub
	Metrics     *metrics.Metrics
}

// New creates the server and its router.
func New(deps Deps) (*Server, error) {
	auth, err := NewAuthenticator(deps.Config, deps.Log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         deps.Config,
		log:         deps.Log.With().Str("component", "server").Logger(),
		auth:        auth,
		limiter:     NewRateLimiter(deps.QueueClient, deps.Config.RateLimitEnabled, deps.Config.RateLimitPerMin, deps.Config.RateLimitBurst, deps.Log),
		db:          deps.DB,
		queueClient: deps.QueueClient,
		producer:    deps.Producer,
		events:      deps.Events,
		decisions:   deps.Decisions,
		timeline:    deps.Timeline,
		dlqManager:  deps.DLQManager,
		llmConfigs:  deps.LLMConfigs,
		prompts:     deps.Prompts,
		hub:         deps.Hub,
		metrics:     deps.Metrics,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Idempotency-Key"},
	}))

	// Health and metrics sit outside auth.
	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireScope(ScopeSubmit))
			r.With(s.limiter.Middleware).Post("/signals", s.handleSubmitSignal)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireScope(ScopeRead))
			r.Get("/events", s.handleListEvents)
			r.Get("/events/{eventID}", s.handleGetEvent)
			r.Get("/events/{eventID}/status", s.handleEventStatus)
			r.Get("/decisions", s.handleListDecisions)
			r.Get("/events/{eventID}/decisions", s.handleEventDecisions)
			r.Get("/dlq", s.handleListDLQ)
			r.Get("/dlq/{dlqID}", s.handleGetDLQ)
			r.Get("/ws/stream/stats", s.handleWSStats)
		})

		// WebSocket auth happens inside the handler (subprotocol token).
		r.Get("/ws/stream", s.handleWSStream)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireScope(ScopeAdmin))
			r.Post("/dlq/{dlqID}/retry", s.handleRetryDLQ)
			r.Post("/dlq/{dlqID}/resolve", s.handleResolveDLQ)

			r.Get("/llm-configs", s.handleListLLMConfigs)
			r.Put("/llm-configs/{model}", s.handleUpsertLLMConfig)
			r.Patch("/llm-configs/{model}", s.handlePatchLLMConfig)
			r.Delete("/llm-configs/{model}", s.handleDeleteLLMConfig)
			r.Post("/llm-configs/{model}/test", s.handleTestLLMConfig)
			r.Post("/llm-configs/{model}/enable", s.handleEnableLLMConfig(true))
			r.Post("/llm-configs/{model}/disable", s.handleEnableLLMConfig(false))

			r.Get("/prompts", s.handleListPrompts)
			r.Post("/prompts", s.handleCreatePrompt)
			r.Get("/prompts/{name}/{version}", s.handleGetPrompt)
			r.Put("/prompts/{name}/{version}", s.handleUpdatePrompt)
			r.Delete("/prompts/{name}/{version}", s.handleDeletePrompt)
			r.Post("/prompts/{name}/{version}/activate", s.handleActivatePrompt(true))
			r.Post("/prompts/{name}/{version}/deactivate", s.handleActivatePrompt(false))
		})
	})

	return r
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("Request handled")
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleLiveness always answers 200 while the process is up.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness pings the database and the queue substrate; any failure
// answers 503.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "redis": "ok"}
	healthy := true

	if err := s.db.QuickCheck(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := s.queueClient.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": healthy, "checks": checks})
}
