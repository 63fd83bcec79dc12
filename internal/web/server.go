package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/ai"
	"github.com/kozaktomas/objectcamp/internal/blobstore"
	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/config"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/web/handlers"
	"github.com/kozaktomas/objectcamp/internal/web/middleware"
)

// Pipeline is the extraction surface the server needs.
type Pipeline interface {
	handlers.Processor
	handlers.Adjuster
}

// Deps are the collaborators the server routes to. Describer and
// Illustrator are optional.
type Deps struct {
	Store       database.Store
	Cluster     *cluster.Service
	Blobs       *blobstore.Store
	Pipeline    Pipeline
	Describer   ai.Describer
	Illustrator ai.Illustrator
	Logger      *zap.Logger
}

// Server represents the web server
type Server struct {
	config     *config.Config
	deps       Deps
	logger     *zap.Logger
	router     *chi.Mux
	httpServer *http.Server
	jobManager *handlers.JobManager
	stories    *handlers.StoriesHandler

	// background bounds story drawing started by requests.
	background context.Context
	stop       context.CancelFunc
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	background, stop := context.WithCancel(context.Background())

	s := &Server{
		config:     cfg,
		deps:       deps,
		logger:     deps.Logger.Named("web"),
		router:     r,
		jobManager: handlers.NewJobManager(),
		background: background,
		stop:       stop,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Web.AllowedOrigins))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // SSE streams and AI calls
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting web server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown cancels running jobs and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	if n := s.jobManager.CancelRunning(); n > 0 {
		s.logger.Info("cancelled running jobs", zap.Int("count", n))
	}
	s.stop()
	s.stories.Wait()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
