package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_sync/internal/domain"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

const chatMessagesSchema = `
	CREATE TABLE IF NOT EXISTS chat_messages (
		path           TEXT PRIMARY KEY,
		collection     TEXT NOT NULL,
		message_id     TEXT NOT NULL,
		sender_id      TEXT NOT NULL DEFAULT '',
		content        TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		edited         BOOLEAN NOT NULL DEFAULT FALSE,
		deleted        BOOLEAN NOT NULL DEFAULT FALSE,
		server_stamped BOOLEAN NOT NULL DEFAULT FALSE,
		reactions      JSONB NOT NULL DEFAULT '{}',
		attachments    JSONB NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS chat_messages_collection_idx
		ON chat_messages (collection, created_at, message_id);
`

type postgresMessageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewPostgresMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &postgresMessageRepository{db: db, log: log}
}

// EnsureSchema создает таблицу сообщений, если ее нет
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, chatMessagesSchema)
	return err
}

func (r *postgresMessageRepository) Upsert(ctx context.Context, msg *domain.ChatMessage) error {
	if msg == nil || msg.ID == "" || msg.Channel.IsZero() {
		return apperrors.ErrInvalidArgument
	}

	reactions, err := json.Marshal(nonNilReactions(msg.Reactions))
	if err != nil {
		return fmt.Errorf("failed to marshal reactions: %w", err)
	}
	attachments, err := json.Marshal(nonNilAttachments(msg.Attachments))
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}

	query := `
		INSERT INTO chat_messages (path, collection, message_id, sender_id, content, created_at, updated_at,
			edited, deleted, server_stamped, reactions, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (path) DO UPDATE SET
			sender_id = EXCLUDED.sender_id,
			content = EXCLUDED.content,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			edited = EXCLUDED.edited,
			deleted = EXCLUDED.deleted,
			server_stamped = EXCLUDED.server_stamped,
			reactions = EXCLUDED.reactions,
			attachments = EXCLUDED.attachments
	`

	_, err = r.db.Exec(ctx, query,
		msg.Channel.MessagePath(msg.ID), msg.Channel.CollectionPath(), msg.ID, msg.SenderID, msg.Text,
		msg.CreatedAt.UTC(), msg.UpdatedAt.UTC(), msg.Edited, msg.Deleted, msg.ServerStamped,
		reactions, attachments,
	)
	if err != nil {
		r.log.Error("Failed to upsert message", "error", err, "path", msg.Channel.MessagePath(msg.ID))
		return err
	}

	return nil
}

func (r *postgresMessageRepository) Get(ctx context.Context, ch domain.ChannelID, messageID string) (*domain.ChatMessage, error) {
	query := `
		SELECT message_id, sender_id, content, created_at, updated_at, edited, deleted, server_stamped, reactions, attachments
		FROM chat_messages
		WHERE path = $1
	`

	msg, err := scanMessage(r.db.QueryRow(ctx, query, ch.MessagePath(messageID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		r.log.Error("Failed to get message", "error", err, "message_id", messageID)
		return nil, err
	}
	msg.Channel = ch

	return msg, nil
}

func (r *postgresMessageRepository) List(ctx context.Context, ch domain.ChannelID) ([]*domain.ChatMessage, error) {
	query := `
		SELECT message_id, sender_id, content, created_at, updated_at, edited, deleted, server_stamped, reactions, attachments
		FROM chat_messages
		WHERE collection = $1
		ORDER BY created_at ASC, message_id ASC
	`

	rows, err := r.db.Query(ctx, query, ch.CollectionPath())
	if err != nil {
		r.log.Error("Failed to list messages", "error", err, "channel", ch.Key())
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, err
		}
		msg.Channel = ch
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (r *postgresMessageRepository) Delete(ctx context.Context, ch domain.ChannelID, messageID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM chat_messages WHERE path = $1`, ch.MessagePath(messageID))
	if err != nil {
		r.log.Error("Failed to delete message", "error", err, "message_id", messageID)
		return err
	}
	return nil
}

func scanMessage(row pgx.Row) (*domain.ChatMessage, error) {
	msg := &domain.ChatMessage{}
	var reactions, attachments []byte
	var createdAt, updatedAt time.Time
	err := row.Scan(
		&msg.ID, &msg.SenderID, &msg.Text, &createdAt, &updatedAt,
		&msg.Edited, &msg.Deleted, &msg.ServerStamped, &reactions, &attachments,
	)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = createdAt.UTC()
	msg.UpdatedAt = updatedAt.UTC()

	if err := json.Unmarshal(reactions, &msg.Reactions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reactions: %w", err)
	}
	if len(msg.Reactions) == 0 {
		msg.Reactions = nil
	}
	if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	if len(msg.Attachments) == 0 {
		msg.Attachments = nil
	}
	return msg, nil
}

func nonNilReactions(r map[string][]string) map[string][]string {
	if r == nil {
		return map[string][]string{}
	}
	return r
}

func nonNilAttachments(a []domain.Attachment) []domain.Attachment {
	if a == nil {
		return []domain.Attachment{}
	}
	return a
}
