package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat_sync/internal/domain"
	"chat_sync/internal/middleware"
	"chat_sync/internal/service"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

type ChatHandler struct {
	chatService service.ChatService
	log         logger.Logger
}

func NewChatHandler(chatService service.ChatService, log logger.Logger) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		log:         log,
	}
}

// GetMessages отдает последние сообщения канала: GET /api/v1/messages?room=<roomId>&limit=50
func (h *ChatHandler) GetMessages(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(apperrors.ErrUnauthorized)
		return
	}

	ch, err := domain.ParseChannelKey(c.Query("room"))
	if err != nil {
		_ = c.Error(apperrors.Application("history", apperrors.CodeInvalidArgument, err))
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	messages, err := h.chatService.GetMessages(c.Request.Context(), userID, ch, limit)
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindApplication {
			h.log.Error("Failed to load history", "room_id", ch.Key(), "error", err)
		}
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roomId":   ch.Key(),
		"messages": messages,
	})
}
