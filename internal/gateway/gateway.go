// Package gateway assembles the development gateway: the REST API and the
// real-time namespaces the DM client talks to.
package gateway

import (
	"context"
	"net/http"

	"skatedm-client/internal/auth"
	"skatedm-client/internal/chat"
	"skatedm-client/internal/config"
	"skatedm-client/internal/middleware"
	"skatedm-client/internal/store"
	"skatedm-client/internal/user"
	"skatedm-client/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server wires stores, the hub and the HTTP handlers together.
type Server struct {
	hub      *websocket.Hub
	realtime *websocket.Handler
	router   *gin.Engine
	logger   *zap.Logger
}

// New builds the gateway router over stores.
func New(cfg *config.AppConfig, stores *store.Stores, logger *zap.Logger) *Server {
	hub := websocket.NewHub(stores.Conversations, logger)
	rt := websocket.NewHandler(hub, cfg.JWTSecret, logger)

	authHandler := auth.NewAuthHandler(stores.Users, cfg.JWTSecret, cfg.TokenMaxAge, logger)
	userHandler := user.NewUserHandler(stores.Users, logger)
	chatHandler := chat.NewRestHandler(stores.Conversations, stores.Messages, stores.Users, hub, logger)

	r := gin.New()
	r.RedirectTrailingSlash = false
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "Upgrade", "Connection"}
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})

	rt.RegisterRoutes(r.Group("/rt"))

	apiV1 := r.Group("/api/v1")
	{
		apiV1.POST("/auth/login", authHandler.Login)

		protected := apiV1.Group("/")
		protected.Use(middleware.AuthMiddleware(cfg.JWTSecret))
		{
			protected.GET("/auth/me", authHandler.GetMe)
			protected.GET("/users/:id", userHandler.GetUserByID)
			protected.GET("/users", userHandler.FindUser)
			chatHandler.RegisterRoutes(protected)
		}
	}

	return &Server{hub: hub, realtime: rt, router: r, logger: logger.Named("gateway")}
}

// Start runs the hub and the idle-session reaper until ctx ends.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.realtime.RunReaper(ctx)
	s.logger.Info("real-time hub running")
}

func (s *Server) Handler() http.Handler {
	return s.router
}
