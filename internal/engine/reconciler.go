package engine

import (
	"context"
	"errors"
	"sync"

	"chat_sync/internal/domain"
	"chat_sync/internal/pubsub"
	"chat_sync/internal/repository"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

type channelView struct {
	mu       sync.Mutex
	channel  domain.ChannelID
	loaded   bool
	messages map[string]*domain.ChatMessage
	hub      *pubsub.Hub[[]domain.ChatMessage]
}

// Reconciler сводит локальные и серверные события в одно состояние на сообщение.
// Хранилище - источник истины, в памяти держится рабочий набор вошедших каналов.
type Reconciler struct {
	store    repository.MessageRepository
	log      logger.Logger
	reporter reporter.Reporter

	mu    sync.Mutex
	views map[domain.ChannelID]*channelView
}

func NewReconciler(store repository.MessageRepository, log logger.Logger, rep reporter.Reporter) *Reconciler {
	return &Reconciler{
		store:    store,
		log:      log.With("component", "reconciler"),
		reporter: rep,
		views:    make(map[domain.ChannelID]*channelView),
	}
}

func (r *Reconciler) view(ch domain.ChannelID) *channelView {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[ch]
	if !ok {
		v = &channelView{
			channel:  ch,
			messages: make(map[string]*domain.ChatMessage),
			hub:      pubsub.New[[]domain.ChatMessage](1, true),
		}
		r.views[ch] = v
	}
	return v
}

// ensureLoaded поднимает рабочий набор канала из хранилища; вызывается под v.mu
func (r *Reconciler) ensureLoaded(ctx context.Context, v *channelView) error {
	if v.loaded {
		return nil
	}
	msgs, err := r.store.List(ctx, v.channel)
	if err != nil {
		r.log.Error("Failed to load channel", "channel", v.channel.Key(), "error", err)
		return err
	}
	for _, msg := range msgs {
		msg.Channel = v.channel
		v.messages[msg.ID] = msg
	}
	v.loaded = true
	r.publishLocked(v)
	return nil
}

// Apply сливает событие с текущим состоянием и сохраняет результат
func (r *Reconciler) Apply(ctx context.Context, ev domain.ChatEvent) (*domain.ChatMessage, error) {
	v := r.view(ev.Channel)
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := r.ensureLoaded(ctx, v); err != nil {
		return nil, err
	}

	cur := v.messages[ev.MessageID]
	next, changed := Merge(cur, ev)
	if !changed {
		return next.Clone(), nil
	}
	if err := r.store.Upsert(ctx, next); err != nil {
		r.log.Error("Failed to persist merged message", "message_id", ev.MessageID, "error", err)
		return nil, err
	}
	v.messages[next.ID] = next
	r.publishLocked(v)

	r.reporter.Report(reporter.Event{
		Category: reporter.CategoryReconcile,
		Message:  "applied " + string(ev.Type),
		Success:  true,
		Attributes: map[string]any{
			"channel":        ev.Channel.Key(),
			"message_id":     ev.MessageID,
			"server_stamped": ev.ServerStamped,
		},
	})
	return next.Clone(), nil
}

// Lookup возвращает текущее состояние сообщения
func (r *Reconciler) Lookup(ctx context.Context, ch domain.ChannelID, messageID string) (*domain.ChatMessage, error) {
	v := r.view(ch)
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := r.ensureLoaded(ctx, v); err != nil {
		return nil, err
	}
	msg, ok := v.messages[messageID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return msg.Clone(), nil
}

// Revert откатывает оптимистичное изменение поверх текущего состояния.
// undo правит копию и возвращает false, если откатывать уже нечего:
// пришедшее тем временем серверное состояние не перезаписывается.
func (r *Reconciler) Revert(ctx context.Context, ch domain.ChannelID, messageID string, undo func(cur *domain.ChatMessage) bool) error {
	v := r.view(ch)
	v.mu.Lock()
	defer v.mu.Unlock()

	cur, ok := v.messages[messageID]
	if !ok {
		return nil
	}
	next := cur.Clone()
	if !undo(next) {
		return nil
	}
	if err := r.store.Upsert(ctx, next); err != nil {
		return err
	}
	v.messages[messageID] = next
	r.publishLocked(v)
	return nil
}

// Discard убирает сообщение, которое сервер так и не принял
func (r *Reconciler) Discard(ctx context.Context, ch domain.ChannelID, messageID string) error {
	v := r.view(ch)
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.messages[messageID]; !ok {
		return nil
	}
	if err := r.store.Delete(ctx, ch, messageID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	delete(v.messages, messageID)
	r.publishLocked(v)
	return nil
}

// MergedView - поток упорядоченных снимков канала; первый снимок приходит сразу
func (r *Reconciler) MergedView(ctx context.Context, ch domain.ChannelID) (<-chan []domain.ChatMessage, func(), error) {
	v := r.view(ch)
	v.mu.Lock()
	err := r.ensureLoaded(ctx, v)
	v.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	updates, cancel := v.hub.Subscribe()
	return updates, cancel, nil
}

// Snapshot возвращает текущий упорядоченный набор сообщений канала
func (r *Reconciler) Snapshot(ctx context.Context, ch domain.ChannelID) ([]domain.ChatMessage, error) {
	v := r.view(ch)
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := r.ensureLoaded(ctx, v); err != nil {
		return nil, err
	}
	return snapshotLocked(v), nil
}

// Forget выгружает канал из рабочего набора; хранилище не трогается
func (r *Reconciler) Forget(ch domain.ChannelID) {
	r.mu.Lock()
	v, ok := r.views[ch]
	delete(r.views, ch)
	r.mu.Unlock()

	if ok {
		v.hub.Close()
	}
}

// Close закрывает все потоки снимков
func (r *Reconciler) Close() {
	r.mu.Lock()
	views := r.views
	r.views = make(map[domain.ChannelID]*channelView)
	r.mu.Unlock()

	for _, v := range views {
		v.hub.Close()
	}
}

func (r *Reconciler) publishLocked(v *channelView) {
	v.hub.Publish(snapshotLocked(v))
}

func snapshotLocked(v *channelView) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(v.messages))
	for _, msg := range v.messages {
		out = append(out, *msg.Clone())
	}
	domain.SortMessages(out)
	return out
}
