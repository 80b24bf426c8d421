// Package server provides the HTTP API of the clip index.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/clipdex/internal/config"
	"github.com/hyperjump/clipdex/internal/dedup"
	"github.com/hyperjump/clipdex/internal/indexer"
	"github.com/hyperjump/clipdex/internal/review"
	"github.com/hyperjump/clipdex/internal/search"
	"github.com/hyperjump/clipdex/internal/storage"
	"github.com/hyperjump/clipdex/pkg/utils"
)

// WatchService manages watched media roots at runtime.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the clip index API.
type Server struct {
	engine  *search.Engine
	indexer *indexer.Indexer
	store   storage.FeatureStore
	grouper *dedup.Grouper
	reviews *review.Manager
	watch   WatchService

	config     *config.Config
	configPath string
	configMu   sync.Mutex

	logger *zap.Logger
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithReviews enables the review endpoints.
func WithReviews(m *review.Manager) Option {
	return func(s *Server) { s.reviews = m }
}

// WithWatch enables the watch directory endpoints. Changes are saved to configPath when set.
func WithWatch(w WatchService, configPath string) Option {
	return func(s *Server) {
		s.watch = w
		s.configPath = configPath
	}
}

// NewServer creates a server with the given dependencies.
func NewServer(
	engine *search.Engine,
	idx *indexer.Indexer,
	store storage.FeatureStore,
	grouper *dedup.Grouper,
	cfg *config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		engine:  engine,
		indexer: idx,
		store:   store,
		grouper: grouper,
		config:  cfg,
		logger:  utils.OrNop(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Post("/ingest", s.handleIngest)
		r.Post("/reconcile", s.handleReconcile)

		r.Get("/segments", s.handleFindSegments)
		r.Get("/segments/{id}", s.handleGetSegment)
		r.Patch("/segments/{id}", s.handleUpdateSegment)
		r.Delete("/segments/{id}", s.handleDeleteSegment)
		r.Get("/segments/{id}/history", s.handleSegmentHistory)
		r.Get("/segments/{id}/similar", s.handleSimilar)

		r.Get("/groups/{id}", s.handleGetGroup)
		r.Get("/duplicates", s.handleDuplicates)

		r.Get("/files", s.handleListFiles)
		r.Delete("/files", s.handleDeleteFile)

		r.Get("/status", s.handleStatus)

		r.Get("/reviews", s.handleListReviews)
		r.Post("/reviews", s.handleCreateReview)
		r.Get("/reviews/{id}", s.handleGetReview)
		r.Post("/reviews/{id}/approve", s.handleApproveReview)
		r.Post("/reviews/{id}/reject", s.handleRejectReview)

		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	r.Get("/health", s.handleHealth)
	return r
}

// requestLogger logs each request with zap once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
