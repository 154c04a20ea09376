// Package api exposes the operator control surface: a gin HTTP API with JWT
// auth, a Prometheus scrape endpoint, and a WebSocket hub that streams
// engine events and state snapshots.
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

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/database"
	"alpaca-trading-engine/internal/engine"
	"alpaca-trading-engine/internal/events"
	"alpaca-trading-engine/internal/metrics"
)

// Config holds the HTTP server settings.
type Config struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	AllowedOrigins []string      `json:"allowed_origins"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	Auth           AuthConfig    `json:"auth"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8090,
		AllowedOrigins: []string{"http://localhost:3000"},
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		Auth:           DefaultAuthConfig(),
	}
}

// Server is the control API server.
type Server struct {
	config     Config
	engine     *engine.Engine
	broker     broker.Broker
	store      *database.Store
	metrics    *metrics.Metrics
	bus        *events.EventBus
	hub        *Hub
	tokens     *TokenManager
	limiter    *RateLimiter
	logger     zerolog.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer wires the routes. Store and Metrics may be nil; their endpoints
// respond 503 in that case.
func NewServer(config Config, eng *engine.Engine, b broker.Broker, store *database.Store, m *metrics.Metrics, bus *events.EventBus, logger zerolog.Logger) *Server {
	s := &Server{
		config:  config,
		engine:  eng,
		broker:  b,
		store:   store,
		metrics: m,
		bus:     bus,
		hub:     NewHub(logger),
		limiter: NewRateLimiter(120, time.Minute),
		logger:  logger.With().Str("component", "API").Logger(),
	}
	if config.Auth.Enabled {
		s.tokens = NewTokenManager(config.Auth.Secret, config.Auth.TokenTTL)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = s.config.AllowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := router.Group("/api/v1")
	v1.POST("/auth/login", s.handleLogin)

	protected := v1.Group("")
	if s.tokens != nil {
		protected.Use(authMiddleware(s.tokens))
	}
	protected.GET("/status", s.handleStatus)
	protected.GET("/positions", s.handlePositions)
	protected.GET("/trades", s.handleTrades)
	protected.GET("/metrics/summary", s.handleMetricsSummary)
	protected.POST("/control/trading", s.handleTradingToggle)
	protected.GET("/ws", s.hub.ServeWS)

	// Endpoints below call through to the broker; rate limited per path.
	limited := protected.Group("")
	limited.Use(s.rateLimitMiddleware())
	limited.GET("/snapshot", s.handleSnapshot)
	limited.GET("/positions/:symbol", s.handlePositionSummary)
	limited.GET("/orders", s.handleOrders)
	limited.POST("/control/flatten", s.handleFlattenAll)
	limited.POST("/control/sync", s.handleSyncState)

	return router
}

// Handler exposes the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener and attaches the hub to the event bus. Blocks
// until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.hub.Attach(s.bus)
	go s.hub.Run(ctx)
	go s.snapshotBroadcast(ctx)

	addr := s.config.Host + ":" + strconv.Itoa(s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info().Str("addr", addr).Bool("auth", s.tokens != nil).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// snapshotBroadcast pushes the engine snapshot to WebSocket clients on the
// hub's cadence.
func (s *Server) snapshotBroadcast(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			s.hub.BroadcastJSON("snapshot", s.engine.BuildSnapshot(ctx))
		}
	}
}
