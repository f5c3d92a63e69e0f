// Package api is the management HTTP API for warmup accounts.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/mailwarm/internal/metrics"
	"github.com/foxzi/mailwarm/internal/ratelimit"
	"github.com/foxzi/mailwarm/internal/sink"
	"github.com/foxzi/mailwarm/internal/store"
	"github.com/foxzi/mailwarm/internal/warmup"
)

// Accounts manages the account lifecycle
type Accounts interface {
	Register(ctx context.Context, req warmup.RegisterRequest) (*store.Account, error)
	Get(ctx context.Context, email string) (*store.Account, error)
	Pause(ctx context.Context, email string) (*store.Account, error)
	Resume(ctx context.Context, email string) (*store.Account, error)
	Complete(ctx context.Context, email string) (*store.Account, error)
	Fail(ctx context.Context, email, reason string) (*store.Account, error)
	Delete(ctx context.Context, email string) error
}

// Records reads stored accounts, metrics and logs
type Records interface {
	ListAccounts(ctx context.Context, filter store.AccountFilter) ([]*store.Account, error)
	GetMetrics(ctx context.Context, email string) (*store.Metrics, error)
	ListMessageLogs(ctx context.Context, filter store.LogFilter) ([]*store.MessageLog, error)
}

// CycleRunner starts warmup cycles on demand
type CycleRunner interface {
	BeginCycle(ctx context.Context, email string) (*warmup.Cycle, error)
}

// Campaigns manages campaign records
type Campaigns interface {
	Create(ctx context.Context, req warmup.CampaignRequest) (*store.Campaign, error)
	Get(ctx context.Context, id string) (*store.Campaign, error)
	List(ctx context.Context, filter store.CampaignFilter) ([]*store.Campaign, error)
	Update(ctx context.Context, id string, req warmup.CampaignRequest) (*store.Campaign, error)
	Delete(ctx context.Context, id string) error
}

// RateLimitStats reports throttle usage
type RateLimitStats interface {
	GetStats(ctx context.Context, level ratelimit.Level, key string) (*ratelimit.Stats, error)
}

// SinkMessages lists mail captured by the local sink
type SinkMessages interface {
	List(ctx context.Context, filter sink.ListFilter) ([]*sink.Message, error)
	Stats(ctx context.Context) (*sink.Stats, error)
}

// Options contains HTTP server settings
type Options struct {
	ListenAddr   string
	APIKey       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CycleTimeout time.Duration // bounds cycles started over the API
	Version      string
}

// Deps are the collaborators of the API. Accounts, Records and Cycles are
// required; the rest enable optional routes.
type Deps struct {
	Accounts  Accounts
	Records   Records
	Cycles    CycleRunner
	Campaigns Campaigns
	RateLimit RateLimitStats
	Sink      SinkMessages
	Settings  warmup.Settings
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	opts       Options
	deps       Deps
	logger     *slog.Logger
	startTime  time.Time

	// cycles started over the API outlive their request
	cycleCtx    context.Context
	cancelCycle context.CancelFunc
	running     sync.WaitGroup
	tracker     *cycleTracker
}

// NewServer creates a new API server
func NewServer(opts Options, deps Deps, logger *slog.Logger) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.CycleTimeout == 0 {
		opts.CycleTimeout = 2 * time.Hour
	}

	cycleCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:      chi.NewRouter(),
		opts:        opts,
		deps:        deps,
		logger:      logger.With("component", "api"),
		startTime:   time.Now(),
		cycleCtx:    cycleCtx,
		cancelCycle: cancel,
		tracker:     newCycleTracker(maxTrackedCycles),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/health", s.handleHealth)
		r.Get("/schedule", s.handleSchedule)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", s.handleRegister)
			r.Get("/", s.handleListAccounts)
			r.Get("/{email}", s.handleGetAccount)
			r.Delete("/{email}", s.handleDeleteAccount)
			r.Get("/{email}/metrics", s.handleAccountMetrics)
			r.Get("/{email}/logs", s.handleAccountLogs)
			r.Post("/{email}/pause", s.handlePause)
			r.Post("/{email}/resume", s.handleResume)
			r.Post("/{email}/complete", s.handleComplete)
			r.Post("/{email}/fail", s.handleFail)
			r.Post("/{email}/cycle", s.handleRunCycle)
		})

		r.Get("/cycles/{id}", s.handleGetCycle)

		if s.deps.Campaigns != nil {
			r.Route("/campaigns", func(r chi.Router) {
				r.Post("/", s.handleCreateCampaign)
				r.Get("/", s.handleListCampaigns)
				r.Get("/{id}", s.handleGetCampaign)
				r.Put("/{id}", s.handleUpdateCampaign)
				r.Delete("/{id}", s.handleDeleteCampaign)
			})
		}

		if s.deps.RateLimit != nil {
			r.Get("/ratelimits/{level}/{key}", s.handleRateLimitStats)
		}
		if s.deps.Sink != nil {
			r.Get("/sink/messages", s.handleSinkList)
			r.Get("/sink/stats", s.handleSinkStats)
		}
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.opts.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server. Cycles started over the API
// are canceled if they have not finished when ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("canceling running cycles")
		s.cancelCycle()
		<-done
	}
	s.cancelCycle()

	return err
}
