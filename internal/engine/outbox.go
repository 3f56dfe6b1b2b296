package engine

import (
	"context"
	"sort"
	"sync"

	"chat_sync/internal/domain"
	"chat_sync/internal/pubsub"
	"chat_sync/internal/repository"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

// ReplayResult - итог одной попытки доставки записи outbox
type ReplayResult struct {
	Entry domain.OutboxEntry
	Err   error
}

// Outbox - устойчивая FIFO-очередь команд, ожидающих доставки.
// Порядок задает Seq; внутри канала команды уходят строго по порядку.
type Outbox struct {
	repo     repository.OutboxRepository
	clock    Clock
	log      logger.Logger
	reporter reporter.Reporter

	mu      sync.Mutex
	entries []*domain.OutboxEntry
	nextSeq uint64

	sizes *pubsub.Hub[int]
}

// NewOutbox поднимает сохраненные записи; прерванные попытки снова становятся доступны
func NewOutbox(ctx context.Context, repo repository.OutboxRepository, clock Clock, log logger.Logger, rep reporter.Reporter) (*Outbox, error) {
	saved, err := repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	o := &Outbox{
		repo:     repo,
		clock:    clock,
		log:      log.With("component", "outbox"),
		reporter: rep,
		nextSeq:  1,
		sizes:    pubsub.New[int](16, true),
	}
	sort.Slice(saved, func(i, j int) bool { return saved[i].Seq < saved[j].Seq })
	for i := range saved {
		e := saved[i]
		e.InFlight = false
		o.entries = append(o.entries, &e)
		if e.Seq >= o.nextSeq {
			o.nextSeq = e.Seq + 1
		}
	}
	if len(o.entries) > 0 {
		o.log.Info("Outbox restored", "entries", len(o.entries))
	}
	o.sizes.Publish(len(o.entries))
	return o, nil
}

// Enqueue ставит команду в очередь, сливая ее с еще не отправленными командами того же сообщения
func (o *Outbox) Enqueue(ctx context.Context, entry domain.OutboxEntry) error {
	if !entry.CommandType.Valid() || entry.MessageID == "" || entry.ChannelKey == "" {
		return apperrors.Application("enqueue", apperrors.CodeInvalidArgument, apperrors.ErrInvalidArgument)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	coalesced, err := o.coalesceLocked(ctx, &entry)
	if err != nil {
		return err
	}
	if coalesced {
		o.publishLocked("coalesced", entry)
		return nil
	}

	entry.Seq = o.nextSeq
	entry.InFlight = false
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = o.clock.Now()
	}
	if err := o.repo.Put(ctx, entry); err != nil {
		return err
	}
	o.nextSeq++
	e := entry
	o.entries = append(o.entries, &e)
	o.publishLocked("enqueued", entry)
	return nil
}

func (o *Outbox) coalesceLocked(ctx context.Context, entry *domain.OutboxEntry) (bool, error) {
	switch entry.CommandType {
	case domain.CommandSend:
		if e := o.findLocked(entry.ChannelKey, entry.MessageID, domain.CommandSend, ""); e != nil {
			e.Payload = entry.Payload
			return true, o.repo.Put(ctx, *e)
		}

	case domain.CommandEdit:
		if s := o.findLocked(entry.ChannelKey, entry.MessageID, domain.CommandSend, ""); s != nil {
			// SEND еще не ушел: отправим сразу финальный текст
			s.Payload.Text = entry.Payload.Text
			return true, o.repo.Put(ctx, *s)
		}
		if e := o.findLocked(entry.ChannelKey, entry.MessageID, domain.CommandEdit, ""); e != nil {
			e.Payload = entry.Payload
			return true, o.repo.Put(ctx, *e)
		}

	case domain.CommandDelete:
		kept := o.entries[:0]
		var dropped []uint64
		duplicate := false
		for _, e := range o.entries {
			if e.ChannelKey == entry.ChannelKey && e.MessageID == entry.MessageID && !e.InFlight {
				if e.CommandType == domain.CommandDelete {
					duplicate = true
				} else {
					dropped = append(dropped, e.Seq)
					continue
				}
			}
			kept = append(kept, e)
		}
		o.entries = kept
		for _, seq := range dropped {
			if err := o.repo.Delete(ctx, seq); err != nil {
				return false, err
			}
		}
		if duplicate {
			return true, nil
		}

	case domain.CommandReact:
		if e := o.findLocked(entry.ChannelKey, entry.MessageID, domain.CommandReact, entry.Payload.Emoji); e != nil {
			e.Payload = entry.Payload
			return true, o.repo.Put(ctx, *e)
		}
	}
	return false, nil
}

// findLocked ищет запись, которую еще можно переписать (не в полете)
func (o *Outbox) findLocked(channelKey, messageID string, ct domain.CommandType, emoji string) *domain.OutboxEntry {
	for _, e := range o.entries {
		if e.InFlight || e.CommandType != ct || e.MessageID != messageID || e.ChannelKey != channelKey {
			continue
		}
		if ct == domain.CommandReact && e.Payload.Emoji != emoji {
			continue
		}
		return e
	}
	return nil
}

func (o *Outbox) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Sizes - поток размера очереди; подписчик сразу получает текущее значение
func (o *Outbox) Sizes() (<-chan int, func()) {
	return o.sizes.Subscribe()
}

// Entries возвращает копию очереди по порядку
func (o *Outbox) Entries() []domain.OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.OutboxEntry, len(o.entries))
	for i, e := range o.entries {
		out[i] = *e
	}
	return out
}

// HasPending: в канале есть недоставленные команды; новая команда должна встать за ними
func (o *Outbox) HasPending(channelKey string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.ChannelKey == channelKey {
			return true
		}
	}
	return false
}

// DropChannel убирает из очереди команды канала, кроме уже отправляемых
func (o *Outbox) DropChannel(ctx context.Context, channelKey string) []domain.OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	var dropped []domain.OutboxEntry
	kept := o.entries[:0]
	for _, e := range o.entries {
		if e.ChannelKey == channelKey && !e.InFlight {
			dropped = append(dropped, *e)
			continue
		}
		kept = append(kept, e)
	}
	o.entries = kept
	for _, e := range dropped {
		if err := o.repo.Delete(ctx, e.Seq); err != nil {
			o.log.Warn("Failed to delete outbox entry", "seq", e.Seq, "error", err)
		}
		o.publishLocked("dropped", e)
	}
	return dropped
}

// Replay проходит очередь по порядку Seq. Канал, который не готов или чья команда
// завершилась повторяемой ошибкой, пропускается до следующего прохода, чтобы не нарушить FIFO.
// Прикладная ошибка удаляет запись. Потеря соединения останавливает проход.
func (o *Outbox) Replay(ctx context.Context, ready func(channelKey string) bool,
	send func(ctx context.Context, entry domain.OutboxEntry) error) <-chan ReplayResult {
	results := make(chan ReplayResult, 16)

	go func() {
		defer close(results)
		blocked := make(map[string]bool)

		for ctx.Err() == nil {
			entry, ok := o.next(blocked, ready)
			if !ok {
				return
			}

			err := send(ctx, entry)
			switch {
			case err == nil:
				o.complete(ctx, entry, "delivered")
			case apperrors.KindOf(err) == apperrors.KindApplication:
				o.complete(ctx, entry, "rejected")
			default:
				o.release(entry.Seq)
				blocked[entry.ChannelKey] = true
			}

			select {
			case results <- ReplayResult{Entry: entry, Err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil && apperrors.KindOf(err) == apperrors.KindConnection {
				return
			}
		}
	}()

	return results
}

// next выбирает первую доступную запись и помечает ее как отправляемую
func (o *Outbox) next(blocked map[string]bool, ready func(string) bool) (domain.OutboxEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, e := range o.entries {
		if blocked[e.ChannelKey] {
			continue
		}
		if e.InFlight || !ready(e.ChannelKey) {
			blocked[e.ChannelKey] = true
			continue
		}
		e.InFlight = true
		e.AttemptCount++
		e.LastAttemptAt = o.clock.Now()
		if err := o.repo.Put(context.Background(), *e); err != nil {
			o.log.Warn("Failed to persist outbox attempt", "seq", e.Seq, "error", err)
		}
		return *e, true
	}
	return domain.OutboxEntry{}, false
}

func (o *Outbox) complete(ctx context.Context, entry domain.OutboxEntry, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, e := range o.entries {
		if e.Seq == entry.Seq {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			break
		}
	}
	if err := o.repo.Delete(context.WithoutCancel(ctx), entry.Seq); err != nil {
		o.log.Warn("Failed to delete outbox entry", "seq", entry.Seq, "error", err)
	}
	o.publishLocked(outcome, entry)
}

func (o *Outbox) release(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.Seq == seq {
			e.InFlight = false
			return
		}
	}
}

// Close закрывает поток размеров
func (o *Outbox) Close() {
	o.sizes.Close()
}

func (o *Outbox) publishLocked(msg string, entry domain.OutboxEntry) {
	size := len(o.entries)
	o.sizes.Publish(size)
	o.reporter.Report(reporter.Event{
		Category: reporter.CategoryOutbox,
		Message:  msg,
		Success:  msg != "rejected",
		Attributes: map[string]any{
			"outbox_size": size,
			"command":     string(entry.CommandType),
			"message_id":  entry.MessageID,
			"attempts":    entry.AttemptCount,
			"age_ms":      o.clock.Now().Sub(entry.EnqueuedAt).Milliseconds(),
		},
	})
}
