// Package api is the read-only ops surface: health, engine status, the order
// log, and the live position book. Nothing here mutates trading state.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/db"
	"github.com/hourglassbot/hourglass/internal/engine"
	"github.com/hourglassbot/hourglass/internal/metrics"
	"github.com/hourglassbot/hourglass/internal/strategy"
)

// OrderLog is the order-log slice the API reads. *db.DB satisfies it.
type OrderLog interface {
	RecentOrders(ctx context.Context, flag string, state *db.OrderState, limit int) ([]*db.OrderRow, error)
	CountByState(ctx context.Context) (map[string]int, error)
	Ping(ctx context.Context) error
}

// EngineView is the live-state surface the API reads. *engine.Engine
// satisfies it.
type EngineView interface {
	Status() engine.Status
	Book() *strategy.Book
}

// Config contains server configuration
type Config struct {
	Host   string
	Port   int
	Store  OrderLog
	Engine EngineView
}

// Server is the ops API server
type Server struct {
	router *gin.Engine
	store  OrderLog
	engine EngineView
	addr   string
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates the ops API server
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := config.NewLogger("api")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		router: router,
		store:  cfg.Store,
		engine: cfg.Engine,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// requestLogger logs each request and feeds the API metrics. The metric path
// label is the route template, so cardinality stays bounded.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		latency := time.Since(start)
		status := c.Writer.Status()
		metrics.RecordAPIRequest(c.Request.Method, path, strconv.Itoa(status), float64(latency.Milliseconds()))

		evt := logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			evt.Str("errors", c.Errors.String())
		}
		evt.Msg("API request")
	}
}
