// Package api exposes the pipeline control surface over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"panoptes-go/internal/panoptes"
)

// Control is the part of the pipeline the API drives.
type Control interface {
	Stats(ctx context.Context) (*panoptes.PipelineStats, error)
	History(n int) ([]*panoptes.HistoryEntry, error)
	UndoLast(ctx context.Context, n int) ([]string, error)
	AddWatch(path string) error
	RemoveWatch(path string) error
	Watches() []string
}

// Server routes HTTP requests to a Control and a Store.
type Server struct {
	control Control
	store   panoptes.Store
	logger  panoptes.Logger
	router  *chi.Mux
}

func New(control Control, store panoptes.Store, logger panoptes.Logger) *Server {
	if logger == nil {
		logger = panoptes.NewNopLogger()
	}
	s := &Server{
		control: control,
		store:   store,
		logger:  logger,
		router:  chi.NewRouter(),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(requestLogger(logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/files", s.handleListFiles)
		r.Get("/search", s.handleSearch)
		r.Get("/history", s.handleHistory)
		r.Post("/undo", s.handleUndo)

		r.Get("/watches", s.handleListWatches)
		r.Post("/watches", s.handleAddWatch)
		r.Delete("/watches", s.handleRemoveWatch)
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return panoptes.E(panoptes.KindConfig, "listen", err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("api listening", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

// requestLogger logs each request through logger.
func requestLogger(logger panoptes.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
