package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chat_sync/internal/domain"
	"chat_sync/internal/repository"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

// Result - итог применения команды на сервере
type Result struct {
	Message *domain.ChatMessage
	Stamp   time.Time
	// Changed == false - повтор уже примененной команды, событие не рассылается
	Changed bool
}

type ChatService interface {
	// Authorize проверяет, что пользователь может войти в канал
	Authorize(ctx context.Context, userID string, ch domain.ChannelID) error
	Apply(ctx context.Context, userID string, env domain.Envelope) (Result, error)
	GetMessages(ctx context.Context, userID string, ch domain.ChannelID, limit int) ([]*domain.ChatMessage, error)
}

type chatService struct {
	messages repository.MessageRepository
	now      func() time.Time
	log      logger.Logger

	mu    sync.Mutex
	rooms map[string]*roomState
}

// roomState сериализует изменения одного канала и держит его серверные часы
type roomState struct {
	mu        sync.Mutex
	lastStamp time.Time
}

func NewChatService(messages repository.MessageRepository, log logger.Logger) ChatService {
	return &chatService{
		messages: messages,
		now:      time.Now,
		log:      log.With("component", "chat_service"),
		rooms:    make(map[string]*roomState),
	}
}

func (s *chatService) Authorize(ctx context.Context, userID string, ch domain.ChannelID) error {
	if err := ch.Validate(); err != nil {
		return apperrors.Application("join", apperrors.CodeInvalidArgument, err)
	}
	if ch.Kind() == domain.ChannelKindDirect && !isPairMember(ch.PairID(), userID) {
		return apperrors.Application("join", apperrors.CodePermissionDenied,
			fmt.Errorf("%w: %s is not a participant of %s", apperrors.ErrPermissionDenied, userID, ch.Key()))
	}
	return nil
}

func isPairMember(pairID, userID string) bool {
	a, b, ok := domain.SplitPairID(pairID)
	return ok && userID != "" && (userID == a || userID == b)
}

func (s *chatService) Apply(ctx context.Context, userID string, env domain.Envelope) (Result, error) {
	op := strings.ToLower(string(env.Action))
	ch, err := domain.ParseChannelKey(env.RoomID)
	if err != nil {
		return Result{}, apperrors.Application(op, apperrors.CodeInvalidArgument, err)
	}
	if env.MessageID == "" {
		return Result{}, invalidArgument(op, "messageId is required")
	}
	if env.SenderID != "" && env.SenderID != userID {
		return Result{}, apperrors.Application(op, apperrors.CodePermissionDenied,
			fmt.Errorf("%w: cannot act as %s", apperrors.ErrPermissionDenied, env.SenderID))
	}

	room := s.room(ch.Key())
	room.mu.Lock()
	defer room.mu.Unlock()

	switch env.Action {
	case domain.ActionSend:
		return s.send(ctx, room, ch, userID, env)
	case domain.ActionEdit:
		return s.edit(ctx, room, ch, userID, env)
	case domain.ActionDelete:
		return s.delete(ctx, room, ch, userID, env)
	case domain.ActionReact:
		return s.react(ctx, room, ch, userID, env)
	default:
		return Result{}, invalidArgument(op, fmt.Sprintf("unsupported action %q", env.Action))
	}
}

// send идемпотентен по messageId: повтор подтверждается исходным состоянием
func (s *chatService) send(ctx context.Context, room *roomState, ch domain.ChannelID, userID string, env domain.Envelope) (Result, error) {
	existing, err := s.messages.Get(ctx, ch, env.MessageID)
	switch {
	case err == nil:
		if existing.SenderID != userID {
			return Result{}, apperrors.Application("send", apperrors.CodePermissionDenied,
				fmt.Errorf("%w: message id %s is taken", apperrors.ErrPermissionDenied, env.MessageID))
		}
		return Result{Message: existing, Stamp: existing.CreatedAt}, nil
	case !errors.Is(err, apperrors.ErrNotFound):
		s.log.Error("Failed to load message", "message_id", env.MessageID, "error", err)
		return Result{}, err
	}

	if strings.TrimSpace(env.Content) == "" && len(env.Attachments) == 0 {
		return Result{}, invalidArgument("send", "content or attachments required")
	}

	stamp := room.stamp(s.now(), time.Time{})
	msg := &domain.ChatMessage{
		ID:            env.MessageID,
		Channel:       ch,
		SenderID:      userID,
		Text:          env.Content,
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
		Attachments:   env.Attachments,
		ServerStamped: true,
	}
	if err := s.messages.Upsert(ctx, msg); err != nil {
		s.log.Error("Failed to save message", "message_id", msg.ID, "error", err)
		return Result{}, err
	}
	return Result{Message: msg, Stamp: stamp, Changed: true}, nil
}

func (s *chatService) edit(ctx context.Context, room *roomState, ch domain.ChannelID, userID string, env domain.Envelope) (Result, error) {
	if strings.TrimSpace(env.Content) == "" {
		return Result{}, invalidArgument("edit", "content required")
	}
	msg, err := s.owned(ctx, "edit", ch, userID, env.MessageID)
	if err != nil {
		return Result{}, err
	}
	if msg.Text == env.Content {
		return Result{Message: msg, Stamp: msg.UpdatedAt}, nil
	}

	stamp := room.stamp(s.now(), msg.UpdatedAt)
	msg.Text = env.Content
	msg.UpdatedAt = stamp
	msg.Edited = true
	msg.ServerStamped = true
	if err := s.messages.Upsert(ctx, msg); err != nil {
		s.log.Error("Failed to update message", "message_id", msg.ID, "error", err)
		return Result{}, err
	}
	return Result{Message: msg, Stamp: stamp, Changed: true}, nil
}

func (s *chatService) delete(ctx context.Context, room *roomState, ch domain.ChannelID, userID string, env domain.Envelope) (Result, error) {
	msg, err := s.messages.Get(ctx, ch, env.MessageID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return Result{}, notFound("delete", env.MessageID)
		}
		return Result{}, err
	}
	if msg.Deleted {
		return Result{Message: msg, Stamp: msg.UpdatedAt}, nil
	}
	if msg.SenderID != userID {
		return Result{}, onlySender("delete", msg.ID)
	}

	stamp := room.stamp(s.now(), msg.UpdatedAt)
	msg.Deleted = true
	msg.Text = ""
	msg.UpdatedAt = stamp
	msg.ServerStamped = true
	if err := s.messages.Upsert(ctx, msg); err != nil {
		s.log.Error("Failed to delete message", "message_id", msg.ID, "error", err)
		return Result{}, err
	}
	return Result{Message: msg, Stamp: stamp, Changed: true}, nil
}

func (s *chatService) react(ctx context.Context, room *roomState, ch domain.ChannelID, userID string, env domain.Envelope) (Result, error) {
	if strings.TrimSpace(env.Emoji) == "" {
		return Result{}, invalidArgument("react", "emoji required")
	}
	msg, err := s.messages.Get(ctx, ch, env.MessageID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return Result{}, notFound("react", env.MessageID)
		}
		return Result{}, err
	}
	if msg.Deleted {
		return Result{}, notFound("react", env.MessageID)
	}
	if !msg.SetReaction(env.Emoji, userID, env.Add) {
		return Result{Message: msg, Stamp: msg.UpdatedAt}, nil
	}

	// реакция не меняет updatedAt сообщения, но событие получает свою отметку
	stamp := room.stamp(s.now(), time.Time{})
	if err := s.messages.Upsert(ctx, msg); err != nil {
		s.log.Error("Failed to save reaction", "message_id", msg.ID, "error", err)
		return Result{}, err
	}
	return Result{Message: msg, Stamp: stamp, Changed: true}, nil
}

func (s *chatService) owned(ctx context.Context, op string, ch domain.ChannelID, userID, messageID string) (*domain.ChatMessage, error) {
	msg, err := s.messages.Get(ctx, ch, messageID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, notFound(op, messageID)
		}
		return nil, err
	}
	if msg.Deleted {
		return nil, notFound(op, messageID)
	}
	if msg.SenderID != userID {
		return nil, onlySender(op, messageID)
	}
	return msg, nil
}

func (s *chatService) GetMessages(ctx context.Context, userID string, ch domain.ChannelID, limit int) ([]*domain.ChatMessage, error) {
	if err := s.Authorize(ctx, userID, ch); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	msgs, err := s.messages.List(ctx, ch)
	if err != nil {
		return nil, err
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *chatService) room(key string) *roomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[key]
	if !ok {
		r = &roomState{}
		s.rooms[key] = r
	}
	return r
}

// stamp выдает серверное время с точностью до миллисекунды, строго возрастающее
// в пределах канала и строго позже floor
func (r *roomState) stamp(now, floor time.Time) time.Time {
	ts := now.UTC().Truncate(time.Millisecond)
	for _, prev := range []time.Time{r.lastStamp, floor} {
		if !prev.IsZero() && !ts.After(prev) {
			ts = prev.Add(time.Millisecond)
		}
	}
	r.lastStamp = ts
	return ts
}

func invalidArgument(op, msg string) error {
	return apperrors.Application(op, apperrors.CodeInvalidArgument, fmt.Errorf("%w: %s", apperrors.ErrInvalidArgument, msg))
}

func notFound(op, messageID string) error {
	return apperrors.Application(op, apperrors.CodeNotFound, fmt.Errorf("%w: message %s", apperrors.ErrNotFound, messageID))
}

func onlySender(op, messageID string) error {
	return apperrors.Application(op, apperrors.CodePermissionDenied,
		fmt.Errorf("%w: only sender can %s message %s", apperrors.ErrPermissionDenied, op, messageID))
}
