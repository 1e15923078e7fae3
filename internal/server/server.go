// Package server exposes runs over HTTP: a streaming run endpoint (SSE and
// WebSocket), confirmation and cancellation endpoints, and health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/orchestrator"
	"loom/internal/toolregistry"
)

// Server serves the run API.
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *toolregistry.Registry
	cfg      *config.Config
	logger   logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time
}

// New wires the API routes over an orchestrator.
func New(orch *orchestrator.Orchestrator, registry *toolregistry.Registry, cfg *config.Config, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		orch:     orch,
		registry: registry,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		engine:   engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     engine,
		ReadTimeout: 30 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)
	api.GET("/tools", s.handleTools)

	api.POST("/runs", s.handleStartRun)
	api.GET("/runs/ws", s.handleRunWS)

	sessions := api.Group("/sessions")
	{
		sessions.POST("/:id/resume", s.handleResume)
		sessions.POST("/:id/confirm", s.handleConfirm)
		sessions.POST("/:id/cancel", s.handleCancel)
	}
}

// Handler exposes the underlying router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("api listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
