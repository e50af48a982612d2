// Package server exposes the Umpire device and CLI HTTP surface.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/primaryrutabaga/umpire/pkg/deploy"
	"github.com/primaryrutabaga/umpire/pkg/env"
	"github.com/primaryrutabaga/umpire/pkg/metrics"
	"github.com/primaryrutabaga/umpire/pkg/resource"
)

// Deployer runs config deploys for the RPC surface.
type Deployer interface {
	Deploy(ctx context.Context, key resource.Key) (string, error)
	State() deploy.State
}

// Server routes device and CLI requests.
type Server struct {
	env      *env.Env
	store    resource.Store
	deployer Deployer
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	hub      *Hub
	version  string
	log      zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics counts bundle selections in m and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithHub serves deploy transitions from h on /deploys/watch.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithVersion sets the version reported by GetVersion.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a Server.
func New(e *env.Env, store resource.Store, deployer Deployer, opts ...Option) *Server {
	s := &Server{
		env:      e,
		store:    store,
		deployer: deployer,
		version:  "dev",
		log:      log.With().Str("component", "server").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /resourcemap", s.handleResourceMap)
	mux.HandleFunc("GET /res/{key}", s.handleResource)
	mux.HandleFunc("POST /RPC2", s.handleRPC)
	if s.hub != nil {
		mux.Handle("GET /deploys/watch", s.hub)
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) countSelection(result string) {
	if s.metrics != nil {
		s.metrics.BundleSelected(result)
	}
}
