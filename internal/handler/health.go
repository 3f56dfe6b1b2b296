package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chat_sync/internal/service"
)

type HealthHandler struct {
	environment string
	hub         *service.RoomHub
	metrics     http.Handler
}

func NewHealthHandler(environment string, hub *service.RoomHub, gatherer prometheus.Gatherer) *HealthHandler {
	return &HealthHandler{
		environment: environment,
		hub:         hub,
		metrics:     promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"service":     "chat-relay",
		"environment": h.environment,
		"rooms":       h.hub.RoomCount(),
	})
}

func (h *HealthHandler) Metrics(c *gin.Context) {
	h.metrics.ServeHTTP(c.Writer, c.Request)
}
