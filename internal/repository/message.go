package repository

import (
	"context"
	"sync"

	"chat_sync/internal/domain"
	apperrors "chat_sync/pkg/errors"
)

// MessageRepository - долговременное хранилище сообщений, адресуемое путем канала.
// Tombstone хранится как обычная запись с Deleted=true.
type MessageRepository interface {
	Upsert(ctx context.Context, msg *domain.ChatMessage) error
	Get(ctx context.Context, ch domain.ChannelID, messageID string) (*domain.ChatMessage, error)
	// List возвращает сообщения канала по возрастанию CreatedAt, затем id
	List(ctx context.Context, ch domain.ChannelID) ([]*domain.ChatMessage, error)
	Delete(ctx context.Context, ch domain.ChannelID, messageID string) error
}

type memoryMessageRepository struct {
	mu          sync.RWMutex
	collections map[string]map[string]*domain.ChatMessage
}

func NewMemoryMessageRepository() MessageRepository {
	return &memoryMessageRepository{
		collections: make(map[string]map[string]*domain.ChatMessage),
	}
}

func (r *memoryMessageRepository) Upsert(ctx context.Context, msg *domain.ChatMessage) error {
	if msg == nil || msg.ID == "" || msg.Channel.IsZero() {
		return apperrors.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	col := msg.Channel.CollectionPath()
	if r.collections[col] == nil {
		r.collections[col] = make(map[string]*domain.ChatMessage)
	}
	r.collections[col][msg.ID] = msg.Clone()
	return nil
}

func (r *memoryMessageRepository) Get(ctx context.Context, ch domain.ChannelID, messageID string) (*domain.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.collections[ch.CollectionPath()][messageID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return msg.Clone(), nil
}

func (r *memoryMessageRepository) List(ctx context.Context, ch domain.ChannelID) ([]*domain.ChatMessage, error) {
	r.mu.RLock()
	col := r.collections[ch.CollectionPath()]
	msgs := make([]domain.ChatMessage, 0, len(col))
	for _, msg := range col {
		msgs = append(msgs, *msg.Clone())
	}
	r.mu.RUnlock()

	return sortedPointers(msgs), nil
}

func (r *memoryMessageRepository) Delete(ctx context.Context, ch domain.ChannelID, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.collections[ch.CollectionPath()], messageID)
	return nil
}

func sortedPointers(msgs []domain.ChatMessage) []*domain.ChatMessage {
	domain.SortMessages(msgs)
	out := make([]*domain.ChatMessage, len(msgs))
	for i := range msgs {
		out[i] = &msgs[i]
	}
	return out
}
