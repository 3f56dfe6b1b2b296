package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"chat_sync/internal/domain"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

const (
	// Документ сообщения по полному пути
	messageDocKeyPrefix = "chat:doc:%s"
	// Индекс коллекции: sorted set id сообщений, score - createdAt в мс
	collectionIndexKeyPrefix = "chat:col:%s"
)

type redisMessageRepository struct {
	rdb *redis.Client
	log logger.Logger
}

func NewRedisMessageRepository(rdb *redis.Client, log logger.Logger) MessageRepository {
	return &redisMessageRepository{
		rdb: rdb,
		log: log,
	}
}

func (r *redisMessageRepository) docKey(ch domain.ChannelID, messageID string) string {
	return fmt.Sprintf(messageDocKeyPrefix, ch.MessagePath(messageID))
}

func (r *redisMessageRepository) indexKey(ch domain.ChannelID) string {
	return fmt.Sprintf(collectionIndexKeyPrefix, ch.CollectionPath())
}

func (r *redisMessageRepository) Upsert(ctx context.Context, msg *domain.ChatMessage) error {
	if msg == nil || msg.ID == "" || msg.Channel.IsZero() {
		return apperrors.ErrInvalidArgument
	}

	// Сериализуем сообщение в JSON
	messageJSON, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("Failed to marshal message", "error", err)
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// Документ и индекс пишутся атомарно
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.docKey(msg.Channel, msg.ID), messageJSON, 0)
		pipe.ZAdd(ctx, r.indexKey(msg.Channel), redis.Z{
			Score:  float64(domain.Millis(msg.CreatedAt)),
			Member: msg.ID,
		})
		return nil
	})
	if err != nil {
		r.log.Error("Failed to save message to Redis", "error", err, "path", msg.Channel.MessagePath(msg.ID))
		return fmt.Errorf("failed to save message: %w", err)
	}

	return nil
}

func (r *redisMessageRepository) Get(ctx context.Context, ch domain.ChannelID, messageID string) (*domain.ChatMessage, error) {
	data, err := r.rdb.Get(ctx, r.docKey(ch, messageID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.ErrNotFound
		}
		r.log.Error("Failed to get message from Redis", "error", err, "message_id", messageID)
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	var msg domain.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg.Channel = ch
	return &msg, nil
}

func (r *redisMessageRepository) List(ctx context.Context, ch domain.ChannelID) ([]*domain.ChatMessage, error) {
	ids, err := r.rdb.ZRange(ctx, r.indexKey(ch), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*domain.ChatMessage{}, nil
		}
		r.log.Error("Failed to list messages from Redis", "error", err, "channel", ch.Key())
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.ChatMessage{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(ch, id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		r.log.Error("Failed to load messages from Redis", "error", err, "channel", ch.Key())
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	msgs := make([]domain.ChatMessage, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// индекс пережил документ
			continue
		}
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			r.log.Warn("Failed to unmarshal message", "error", err)
			continue
		}
		msg.Channel = ch
		msgs = append(msgs, msg)
	}

	return sortedPointers(msgs), nil
}

func (r *redisMessageRepository) Delete(ctx context.Context, ch domain.ChannelID, messageID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.docKey(ch, messageID))
		pipe.ZRem(ctx, r.indexKey(ch), messageID)
		return nil
	})
	if err != nil {
		r.log.Error("Failed to delete message from Redis", "error", err, "message_id", messageID)
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
