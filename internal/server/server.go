package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/bindery/internal/api"
	"github.com/jackzampolin/bindery/internal/blob"
	"github.com/jackzampolin/bindery/internal/cache"
	"github.com/jackzampolin/bindery/internal/config"
	"github.com/jackzampolin/bindery/internal/enhance"
	"github.com/jackzampolin/bindery/internal/extract"
	"github.com/jackzampolin/bindery/internal/home"
	"github.com/jackzampolin/bindery/internal/pgdocker"
	"github.com/jackzampolin/bindery/internal/pipeline"
	"github.com/jackzampolin/bindery/internal/progress"
	"github.com/jackzampolin/bindery/internal/queue"
	"github.com/jackzampolin/bindery/internal/server/endpoints"
	"github.com/jackzampolin/bindery/internal/store"
	"github.com/jackzampolin/bindery/internal/svcctx"
)

// Server is the main Bindery HTTP server.
// It owns the pipeline: the store, queue, workers and progress stream are
// created on Start and torn down on shutdown. When configured it also
// manages a local PostgreSQL container.
type Server struct {
	cfg        Config
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger

	pgManager *pgdocker.DockerManager
	store     *store.Store
	blobs     blob.Store
	cache     *cache.Cache
	queue     *queue.Queue
	sink      *progress.Sink
	hub       *progress.Hub
	orch      *pipeline.Orchestrator

	// services holds all core services for context enrichment
	services atomic.Pointer[svcctx.Services]

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
	ready   chan struct{}
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080, "0" picks a free port)
	Port string
	// Home is the bindery home directory
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger

	// Extractor and Validate replace the PDF defaults (tests).
	Extractor extract.Extractor
	Validate  func([]byte) error
	// Summarizer replaces the configured provider (tests).
	Summarizer enhance.Summarizer
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		return nil, errors.New("home directory is required")
	}
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		ready:  make(chan struct{}),
	}

	c := cfg.ConfigManager.Get()
	if c.NeedsManagedPostgres() {
		pgCfg := c.PostgresConfig(cfg.Home.Path(), cfg.Home.PostgresPath())
		pgCfg.Logger = cfg.Logger
		mgr, err := pgdocker.NewDockerManager(pgCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres manager: %w", err)
		}
		s.pgManager = mgr
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:           s.withServices(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // Large uploads
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Start brings up storage and the pipeline, then serves HTTP.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	if err := s.startServices(ctx); err != nil {
		ln.Close()
		s.closeServices()
		s.setNotRunning()
		return err
	}

	pipelineCtx, stopPipeline := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	s.runBackground(pipelineCtx, &wg)

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	close(s.ready)

	// Wait for context cancellation or error
	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("HTTP server error: %w", err)
		}
	}

	s.shutdown(stopPipeline, &wg)
	return serveErr
}

// startServices opens every backend and wires the pipeline.
func (s *Server) startServices(ctx context.Context) error {
	c := s.cfg.ConfigManager.Get()

	managedDSN := ""
	if s.pgManager != nil {
		if err := s.pgManager.ValidateExisting(ctx); err != nil {
			return fmt.Errorf("existing postgres container incompatible: %w", err)
		}
		s.logger.Info("starting postgres container", "container", s.pgManager.ContainerName())
		if err := s.pgManager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start postgres: %w", err)
		}
		managedDSN = s.pgManager.DSN()
	}

	storeCfg := c.StoreConfig(s.cfg.Home.DatabasePath(), managedDSN)
	storeCfg.Logger = s.logger
	st, err := store.Open(ctx, storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st
	s.logger.Info("store ready", "dialect", st.Dialect())

	blobCfg := c.BlobConfig(s.cfg.Home.BlobPath())
	blobCfg.Logger = s.logger
	blobs, err := blob.Open(ctx, blobCfg)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	s.blobs = blobs

	s.cache, err = cache.New(cache.Config{
		Backend: st,
		MaxAge:  c.CacheMaxAge(),
		MinHits: c.Cache.MinHits,
		Logger:  s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}

	s.queue, err = queue.New(queue.Config{
		Backend:    st,
		MaxRetries: c.Pipeline.MaxRetries,
		Logger:     s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}

	s.hub = progress.NewHub(s.logger)
	s.sink, err = progress.NewSink(progress.SinkConfig{
		Backend:   st,
		Publisher: s.hub,
		Logger:    s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create progress sink: %w", err)
	}

	enhancer, err := s.newEnhancer(c)
	if err != nil {
		return err
	}

	s.orch, err = pipeline.New(pipeline.Config{
		Store:              st,
		Queue:              s.queue,
		Cache:              s.cache,
		Blobs:              blobs,
		Progress:           s.sink,
		Extractor:          s.cfg.Extractor,
		Validate:           s.cfg.Validate,
		Enhancer:           enhancer,
		Detection:          c.DetectOptions(),
		EnhancementEnabled: c.Enhancement.Enabled,
		ChapterBatchSize:   c.Pipeline.ChapterBatchSize,
		EnhanceBatchSize:   c.Enhancement.BatchSize,
		Workers:            c.Pipeline.Workers,
		PollInterval:       c.PollInterval(),
		WorkflowTimeout:    c.WorkflowTimeout(),
		WatchdogInterval:   c.WatchdogInterval(),
		Logger:             s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	s.cfg.ConfigManager.OnChange(func(c *config.Config) {
		s.applyConfig(c, enhancer)
	})

	s.services.Store(&svcctx.Services{
		Store:        st,
		Queue:        s.queue,
		Cache:        s.cache,
		Orchestrator: s.orch,
		Reporter:     progress.NewReporter(st, s.logger),
		Hub:          s.hub,
		Config:       s.cfg.ConfigManager,
		Postgres:     s.pgManager,
		Logger:       s.logger,
	})
	return nil
}

// newEnhancer builds the summarization worker, or nil when enhancement
// cannot run (no API key).
func (s *Server) newEnhancer(c *config.Config) (*enhance.Worker, error) {
	summarizer := s.cfg.Summarizer
	if summarizer == nil {
		switch c.Enhancement.Provider {
		case "mock":
			summarizer = &enhance.MockSummarizer{}
		default:
			oc := c.OpenAIConfig()
			if oc.APIKey == "" && oc.BaseURL == "" {
				s.logger.Warn("no OpenAI API key configured, chapter summaries are disabled")
				return nil, nil
			}
			summarizer = enhance.NewOpenAISummarizer(oc)
		}
	}

	wc := c.WorkerConfig()
	wc.Store = s.store
	wc.Summarizer = summarizer
	wc.Budget = enhance.NewBudget(c.BudgetConfig())
	wc.Logger = s.logger
	w, err := enhance.NewWorker(wc)
	if err != nil {
		return nil, fmt.Errorf("failed to create enhancer: %w", err)
	}
	return w, nil
}

// applyConfig re-tunes running components after a config file change.
// Storage, provider and worker count changes need a restart.
func (s *Server) applyConfig(c *config.Config, enhancer *enhance.Worker) {
	if enhancer != nil {
		enhancer.Budget().Reconfigure(c.BudgetConfig())
	}
	s.orch.SetDetection(c.DetectOptions())
	s.orch.SetEnhancementEnabled(c.Enhancement.Enabled)
	s.orch.SetWorkflowTimeout(c.WorkflowTimeout())
	s.cache.SetPolicy(c.CacheMaxAge(), c.Cache.MinHits)
	s.logger.Info("pipeline settings reloaded",
		"enhancement", c.Enhancement.Enabled,
		"workflow_timeout", c.WorkflowTimeout(),
		"per_minute", c.Enhancement.PerMinute)
}

// runBackground starts the sink, the pipeline and the cache janitor.
func (s *Server) runBackground(ctx context.Context, wg *sync.WaitGroup) {
	s.sink.Start(ctx)
	janitorInterval := s.cfg.ConfigManager.Get().CacheJanitorInterval()

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.orch.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("pipeline stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		s.cache.RunJanitor(ctx, janitorInterval)
	}()
}

// shutdown stops HTTP first so no new work arrives, then drains the
// pipeline and closes storage.
func (s *Server) shutdown(stopPipeline context.CancelFunc, wg *sync.WaitGroup) {
	s.logger.Info("shutting down server")

	// Shutdown HTTP server with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.hub != nil {
		s.hub.Close()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	stopPipeline()
	wg.Wait()

	s.closeServices()
	s.setNotRunning()
	s.logger.Info("server stopped")
}

// closeServices releases whatever startServices opened.
func (s *Server) closeServices() {
	if s.sink != nil {
		s.sink.Stop()
	}
	if closer, ok := s.blobs.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("blob store close error", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", "error", err)
		}
	}
	if s.pgManager != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.logger.Info("stopping postgres container")
		if err := s.pgManager.Stop(stopCtx); err != nil {
			s.logger.Error("postgres stop error", "error", err)
		}
		if err := s.pgManager.Close(); err != nil {
			s.logger.Error("postgres manager close error", "error", err)
		}
	}
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Ready is closed once the server accepts requests.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the server's listen address. After Start it reflects the
// bound port.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Orchestrator returns the pipeline orchestrator.
// Returns nil if the server hasn't started yet.
func (s *Server) Orchestrator() *pipeline.Orchestrator {
	return s.orch
}

// Endpoints returns the endpoint registry.
func (s *Server) Endpoints() *api.Registry {
	return s.endpointRegistry
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc := s.services.Load(); svc != nil {
			ctx = svcctx.WithServices(ctx, svc)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable until the pipeline is wired.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.services.Load() == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
