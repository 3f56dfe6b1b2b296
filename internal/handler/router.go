package handler

import (
	"github.com/gin-gonic/gin"

	"chat_sync/internal/middleware"
	"chat_sync/pkg/logger"
)

type RouterDeps struct {
	Handlers    *Handlers
	Auth        *middleware.AuthMiddleware
	RateLimit   *middleware.RateLimitMiddleware
	Environment string
	Log         logger.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(deps.Log))
	router.Use(middleware.ErrorHandler())

	router.GET("/health", deps.Handlers.Health.Check)
	router.GET("/metrics", deps.Handlers.Health.Metrics)

	v1 := router.Group("/api/v1")
	v1.Use(deps.Auth.RequireAuth())
	{
		v1.GET("/messages", deps.Handlers.Chat.GetMessages)
	}

	// websocket: лимит на частоту подключений, затем токен
	router.GET("/ws/chat", deps.RateLimit.Limit(), deps.Auth.RequireAuth(), deps.Handlers.WebSocket.HandleChat)

	return router
}
