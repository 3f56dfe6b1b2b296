package service

import (
	"chat_sync/internal/repository"
	"chat_sync/pkg/logger"
)

type Services struct {
	Chat ChatService
	Hub  *RoomHub
}

func NewServices(repos *repository.Repositories, log logger.Logger) *Services {
	return &Services{
		Chat: NewChatService(repos.Messages, log),
		Hub:  NewRoomHub(log),
	}
}
