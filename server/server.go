// Package server serves talkarr's operations API: health, metrics, job status, task triggers, locks and root folders.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talkarr/talkarr/locks"
	"github.com/talkarr/talkarr/logging"
	"github.com/talkarr/talkarr/store"
	"github.com/talkarr/talkarr/types"
	"github.com/talkarr/talkarr/workers"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Watcher is told about root folders added and removed through the API
type Watcher interface {
	Add(root string) error
	Remove(root string)
}

// Deps are the collaborators the API exposes
type Deps struct {
	Queue   types.Backend
	Workers *workers.Workers
	Locks   *locks.Registry
	Store   *store.Store
	Watcher Watcher // optional
	Logger  logging.Logger
}

// Server is the operations API server
type Server struct {
	addr           string
	requestsPerMin int
	deps           Deps
	logger         logging.Logger
	router         http.Handler
}

// Option configures a Server
type Option func(s *Server)

// WithRateLimit limits API requests to n per minute per client IP; 0 disables the limit
func WithRateLimit(n int) Option {
	return func(s *Server) {
		s.requestsPerMin = n
	}
}

// New creates an API server listening on addr
func New(addr string, deps Deps, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		deps:   deps,
		logger: deps.Logger,
	}
	if s.logger == nil {
		s.logger = logging.Discard
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = s.routes()

	return s
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.requestsPerMin > 0 {
			r.Use(httprate.LimitByIP(s.requestsPerMin, time.Minute))
		}

		r.Get("/tasks", s.listTasks)
		r.Post("/tasks/{task}", s.enqueueTask)
		r.Get("/jobs/{id}", s.getJob)
		r.Get("/locks", s.listLocks)
		r.Delete("/locks", s.clearLocks)
		r.Get("/rootfolders", s.listRootFolders)
		r.Post("/rootfolders", s.addRootFolder)
		r.Delete("/rootfolders", s.removeRootFolder)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()))
	})
}

// Serve listens on the server's address until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}

func (s *Server) String() string {
	return "api server " + s.addr
}
