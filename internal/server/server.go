package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"covtrack/internal/cache"
	"covtrack/internal/clock"
	"covtrack/internal/db"
	"covtrack/internal/engine"
	"covtrack/internal/handler"
	"covtrack/internal/ledger"
	"covtrack/internal/obs"
	"covtrack/internal/recompute"
	"covtrack/internal/repository"
)

// rateLimitPerMinute caps write requests per client IP.
const rateLimitPerMinute = 120

// Server represents the HTTP server.
type Server struct {
	httpServer   *http.Server
	logger       *zap.Logger
	db           *db.DB
	ledgerClient *ledger.Client
	cacheClient  *cache.Client
}

// Config holds server configuration.
type Config struct {
	Port         int
	DB           *db.DB
	LedgerClient *ledger.Client
	CacheClient  *cache.Client
	Logger       *zap.Logger
	Clock        clock.Clock
	Job          *recompute.Job
	Gate         *recompute.FacilityGate
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		logger:       cfg.Logger,
		db:           cfg.DB,
		ledgerClient: cfg.LedgerClient,
		cacheClient:  cfg.CacheClient,
	}

	pool := cfg.DB.Pool()

	// Create repositories
	facilityRepo := repository.NewFacilityRepository(pool)
	obligationRepo := repository.NewObligationRepository(pool)
	eventRepo := repository.NewEventRepository(pool)
	covenantRepo := repository.NewCovenantRepository(cfg.DB)
	testRepo := repository.NewTestRepository(pool)
	waiverRepo := repository.NewWaiverRepository(pool)

	// Create handlers. Every mutating handler shares the job's gate so
	// manual actions and the tick serialize per facility.
	facilityHandler := handler.NewFacilityHandler(facilityRepo, cfg.CacheClient, cfg.LedgerClient, cfg.Job)
	obligationHandler := handler.NewObligationHandler(obligationRepo, facilityRepo, eventRepo, engine.NewScheduler(), cfg.Gate, cfg.Clock)
	eventHandler := handler.NewEventHandler(eventRepo, cfg.CacheClient, cfg.Gate, cfg.Clock)
	covenantHandler := handler.NewCovenantHandler(covenantRepo, testRepo, facilityRepo, cfg.LedgerClient, cfg.Gate, cfg.Clock)
	waiverHandler := handler.NewWaiverHandler(waiverRepo, testRepo, eventRepo, cfg.Gate, cfg.Clock)
	importHandler := handler.NewImportHandler(facilityRepo, obligationRepo, covenantRepo, cfg.Clock)

	// Setup chi router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.zapLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health and metrics endpoints
	r.Get("/health", s.healthCheck)
	r.Get("/ready", s.readyCheck)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimiter)

		// Facilities
		r.Post("/facilities", facilityHandler.Create)
		r.Get("/facilities", facilityHandler.List)
		r.Get("/facilities/{id}", facilityHandler.Get)
		r.Patch("/facilities/{id}", facilityHandler.Update)
		r.Post("/facilities/{id}/recompute", facilityHandler.Recompute)
		r.Post("/facilities/{id}/resume", facilityHandler.Resume)
		r.Post("/facilities/{id}/import", importHandler.Import)

		// Obligations
		r.Post("/facilities/{id}/obligations", obligationHandler.Create)
		r.Get("/facilities/{id}/obligations", obligationHandler.ListByFacility)
		r.Get("/obligations/{id}", obligationHandler.Get)
		r.Patch("/obligations/{id}", obligationHandler.Update)
		r.Post("/obligations/{id}/events", obligationHandler.TriggerEvent)

		// Compliance events
		r.Get("/facilities/{id}/events", eventHandler.ListByFacility)
		r.Get("/events/{id}", eventHandler.Get)
		r.Post("/events/{id}/submit", eventHandler.Submit)
		r.Post("/events/{id}/review", eventHandler.Review)

		// Covenants and tests
		r.Post("/facilities/{id}/covenants", covenantHandler.Create)
		r.Get("/facilities/{id}/covenants", covenantHandler.ListByFacility)
		r.Get("/covenants/{id}", covenantHandler.Get)
		r.Post("/covenants/{id}/tests", covenantHandler.SubmitTest)
		r.Get("/covenants/{id}/tests", covenantHandler.ListTests)
		r.Get("/tests/{id}", covenantHandler.GetTest)
		r.Post("/tests/{id}/cure", covenantHandler.Cure)
		r.Get("/tests/{id}/contributions", covenantHandler.ListContributions)

		// Waivers
		r.Post("/waivers", waiverHandler.Create)
		r.Get("/waivers/{id}", waiverHandler.Get)
		r.Post("/waivers/{id}/resolve", waiverHandler.Resolve)
		r.Get("/facilities/{id}/waivers", waiverHandler.ListByFacility)
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// healthCheck returns basic health status.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readyCheck returns readiness status (all dependencies available).
func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Check PostgreSQL
	if err := s.db.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready","reason":"database unavailable"}`))
		return
	}

	// Check Redis
	if s.cacheClient != nil {
		if err := s.cacheClient.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","reason":"cache unavailable"}`))
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// rateLimiter throttles write requests per client IP. Reads pass through;
// without a cache there is nothing to count against, so everything does.
func (s *Server) rateLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cacheClient == nil || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := s.cacheClient.CheckRateLimit(r.Context(), r.RemoteAddr, rateLimitPerMinute)
		if err != nil {
			s.logger.Warn("rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			handler.TooManyRequests(w, "write rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// zapLogger is a middleware that logs requests using zap.
func (s *Server) zapLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
