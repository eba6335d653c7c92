package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/api/websocket"
	"github.com/KevinKickass/OpenSolarCollector/internal/auth"
	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"github.com/KevinKickass/OpenSolarCollector/internal/interfaces"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.Service
	now         func() time.Time
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.Service) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		now:         time.Now,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := s.authService.Middleware()

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/login", s.login)

		measurements := v1.Group("/measurements")
		{
			measurements.GET("/latest", s.getLatest)
			measurements.DELETE("", protected, s.clearMeasurements)
		}

		devices := v1.Group("/devices/:id")
		{
			devices.GET("/history", s.getHistory)
			devices.GET("/history/export.xlsx", s.exportHistory)
		}

		v1.GET("/reports/latest.pdf", s.latestReport)

		settings := v1.Group("/settings")
		{
			settings.GET("", s.getSettings)
			settings.PUT("", protected, s.updateSettings)
			settings.POST("/profile/:name", protected, s.applyProfile)
		}

		v1.GET("/profiles", s.listProfiles)

		collector := v1.Group("/collector")
		{
			collector.GET("/status", s.getCollectorStatus)
			collector.POST("/command", protected, s.executeCollectorCommand)
		}

		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}
