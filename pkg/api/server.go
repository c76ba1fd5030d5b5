// Package api exposes the orchestrator over HTTP: health, command
// submission, the HITL review queue, metrics summaries, and the
// WebSocket event stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kaya-dev/kaya/pkg/events"
	"github.com/kaya-dev/kaya/pkg/hitl"
	"github.com/kaya-dev/kaya/pkg/hotstore"
	"github.com/kaya-dev/kaya/pkg/kaya"
	"github.com/kaya-dev/kaya/pkg/metrics"
	"github.com/kaya-dev/kaya/pkg/resilience"
)

const shutdownTimeout = 10 * time.Second

// Commander is the slice of the orchestrator the API needs.
type Commander interface {
	Handle(ctx context.Context, sessionID, raw string) (kaya.Outcome, error)
	StatusReport(ctx context.Context, sessionID, taskID string) (kaya.Outcome, error)
}

// Server is the HTTP API server.
type Server struct {
	commander   Commander
	hitl        *hitl.Queue
	agg         *metrics.Aggregator
	hot         hotstore.Store
	breakers    *resilience.BreakerSet
	connManager *events.ConnectionManager
	logger      *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

// Options wires the server's collaborators. All but Commander may be nil;
// endpoints backed by a nil collaborator answer 503.
type Options struct {
	Commander   Commander
	HITL        *hitl.Queue
	Metrics     *metrics.Aggregator
	Hot         hotstore.Store
	Breakers    *resilience.BreakerSet
	ConnManager *events.ConnectionManager
	Logger      *slog.Logger
}

// NewServer builds the server and registers all routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		commander:   opts.Commander,
		hitl:        opts.HITL,
		agg:         opts.Metrics,
		hot:         opts.Hot,
		breakers:    opts.Breakers,
		connManager: opts.ConnManager,
		logger:      logger,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.healthHandler)
	engine.GET("/ws", s.wsHandler)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/commands", s.commandHandler)
		v1.GET("/status", s.statusHandler)
		v1.GET("/hitl", s.hitlListHandler)
		v1.GET("/hitl/:id", s.hitlGetHandler)
		v1.POST("/hitl/:id/resolve", s.hitlResolveHandler)
		v1.GET("/metrics/:name", s.metricsHandler)
	}

	s.engine = engine
	return s
}

// Handler exposes the router for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	s.logger.Info("API server listening", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, bounded by shutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
