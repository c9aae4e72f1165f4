// Package server exposes the visit counter over HTTP: the public visit
// endpoints, the shard admin endpoints and the health and metrics surface.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kohantikanath/visit-counter/internal/counter"
	"github.com/kohantikanath/visit-counter/internal/monitoring"
	"github.com/kohantikanath/visit-counter/internal/shard"
)

// Config holds the HTTP-facing knobs.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Environment  string
}

// Counter is the engine surface the handlers need.
type Counter interface {
	Increment(ctx context.Context, page string) error
	Get(ctx context.Context, page string) (int64, string, error)
	Stats() counter.Stats
}

// ShardAdmin is the topology surface the admin handlers need.
type ShardAdmin interface {
	AddShard(ctx context.Context, url string) (*shard.MigrationReport, error)
	RemoveShard(ctx context.Context, url string) (*shard.MigrationReport, error)
	Shards() []string
	NumShards() int
}

type Server struct {
	config  Config
	logger  zerolog.Logger
	counts  Counter
	shards  ShardAdmin
	monitor *monitoring.SystemMonitor

	listener   net.Listener
	httpServer *http.Server
	startTime  time.Time
	wg         sync.WaitGroup
}

// NewServer wires the handlers. monitor may be nil; the health endpoint
// then skips the system section.
func NewServer(cfg Config, counts Counter, shards ShardAdmin, monitor *monitoring.SystemMonitor, logger zerolog.Logger) *Server {
	return &Server{
		config:    cfg,
		logger:    logger.With().Str("component", "http_server").Logger(),
		counts:    counts,
		shards:    shards,
		monitor:   monitor,
		startTime: time.Now(),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:        s.routes(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().
		Str("address", s.config.Addr).
		Msg("Server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().
				Err(err).
				Msg("Server accept loop error")
		}
	}()

	return nil
}

// routes builds the mux. Split out so tests can drive handlers without a
// listener.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /visit/{page_id}", s.handleVisit)
	mux.HandleFunc("GET /visits/{page_id}", s.handleGetVisits)
	mux.HandleFunc("POST /admin/shards", s.handleAddShard)
	mux.HandleFunc("DELETE /admin/shards", s.handleRemoveShard)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Shutdown stops accepting connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().
				Err(err).
				Msg("HTTP shutdown did not finish cleanly")
			return err
		}
	}

	s.wg.Wait()
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}
