package handler

import (
	"github.com/prometheus/client_golang/prometheus"

	"chat_sync/internal/config"
	"chat_sync/internal/service"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

type Handlers struct {
	Health    *HealthHandler
	Chat      *ChatHandler
	WebSocket *WebSocketHandler
}

func NewHandlers(services *service.Services, cfg *config.Config, gatherer prometheus.Gatherer, rep reporter.Reporter, log logger.Logger) *Handlers {
	return &Handlers{
		Health: NewHealthHandler(cfg.Environment, services.Hub, gatherer),
		Chat:   NewChatHandler(services.Chat, log),
		WebSocket: NewWebSocketHandler(services.Chat, services.Hub, WebSocketOptions{
			PingInterval: cfg.Engine.PingInterval,
			WriteTimeout: cfg.Server.WriteTimeout,
		}, rep, log),
	}
}
