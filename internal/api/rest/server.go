package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/superdarn/timingd/internal/api/websocket"
	"github.com/superdarn/timingd/internal/auth"
	"github.com/superdarn/timingd/internal/config"
	"github.com/superdarn/timingd/internal/interfaces"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
	// bounds POST /sessions/:id/wait when no timeout is given
	waitTimeout time.Duration
}

// NewServer builds the HTTP API. authService is nil when auth is disabled.
func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		waitTimeout: cfg.Card.CompletionTimeout,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// leaves room for bounded completion waits
		WriteTimeout: 15*time.Second + s.waitTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("REST server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) authenticated() gin.HandlerFunc {
	if s.authService == nil {
		return auth.AllowAll()
	}
	return s.authService.AuthMiddleware()
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		if s.authService != nil {
			authPublic := v1.Group("/auth")
			{
				authPublic.POST("/login", s.login)
				authPublic.POST("/refresh", s.refreshToken)
			}

			authProtected := v1.Group("/auth")
			authProtected.Use(s.authenticated())
			{
				authProtected.POST("/logout", s.logout)
				authProtected.GET("/me", s.getCurrentUser)
			}
		}

		system := v1.Group("/system")
		system.Use(s.authenticated())
		{
			system.GET("/status", auth.RequirePermission(auth.PermOperator), s.getSystemStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
		}

		// card inspection: operator+
		cardGroup := v1.Group("/card")
		cardGroup.Use(s.authenticated())
		cardGroup.Use(auth.RequirePermission(auth.PermOperator))
		{
			cardGroup.GET("", s.getCard)
		}

		// register access: technician+
		sessions := v1.Group("/sessions")
		sessions.Use(s.authenticated())
		sessions.Use(auth.RequirePermission(auth.PermTechnician))
		{
			sessions.GET("", s.listSessions)
			sessions.POST("", s.openSession)
			sessions.DELETE("/:id", s.closeSession)
			sessions.POST("/:id/write", s.writeSession)
			sessions.GET("/:id/read", s.readSession)
			sessions.POST("/:id/control", s.controlSession)
			sessions.POST("/:id/wait", s.waitSession)
		}

		journal := v1.Group("/journal")
		journal.Use(s.authenticated())
		journal.Use(auth.RequirePermission(auth.PermOperator))
		{
			journal.GET("", s.getJournal)
		}

		// auth happens in the first websocket message
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authenticated(), auth.RequirePermission(auth.PermOperator), s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
