package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat_sync/internal/domain"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

// Dispatcher превращает вызовы API в команды: оптимистично применяет их локально,
// отправляет с ожиданием ack или откладывает в outbox.
type Dispatcher struct {
	link       commandLink
	rooms      *RoomMultiplexer
	outbox     *Outbox
	acks       *ackTracker
	reconciler *Reconciler
	clock      Clock
	ackTimeout time.Duration
	userID     string
	newID      func() string
	kick       func()
	log        logger.Logger
	reporter   reporter.Reporter
}

type DispatcherDeps struct {
	Link       commandLink
	Rooms      *RoomMultiplexer
	Outbox     *Outbox
	Acks       *ackTracker
	Reconciler *Reconciler
	Clock      Clock
	NewID      func() string
	// Kick будит цикл replay
	Kick func()
}

func NewDispatcher(deps DispatcherDeps, ackTimeout time.Duration, userID string, log logger.Logger, rep reporter.Reporter) *Dispatcher {
	return &Dispatcher{
		link:       deps.Link,
		rooms:      deps.Rooms,
		outbox:     deps.Outbox,
		acks:       deps.Acks,
		reconciler: deps.Reconciler,
		clock:      deps.Clock,
		ackTimeout: ackTimeout,
		userID:     userID,
		newID:      deps.NewID,
		kick:       deps.Kick,
		log:        log.With("component", "dispatcher"),
		reporter:   rep,
	}
}

// Send создает сообщение. Возвращает оптимистичное состояние; если команда ушла в outbox,
// сообщение будет доставлено позже.
func (d *Dispatcher) Send(ctx context.Context, ch domain.ChannelID, senderID, text string, attachments []domain.Attachment) (*domain.ChatMessage, error) {
	const op = "send"
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return nil, invalid(op, "message text or attachments required")
	}
	if senderID == "" {
		senderID = d.userID
	}
	if senderID == "" {
		return nil, invalid(op, "sender id required")
	}
	if d.userID != "" && senderID != d.userID {
		return nil, apperrors.Application(op, apperrors.CodePermissionDenied,
			fmt.Errorf("%w: cannot send as %s", apperrors.ErrPermissionDenied, senderID))
	}
	if err := d.precheck(op, ch); err != nil {
		return nil, err
	}

	now := d.clock.Now().UTC()
	id := d.newID()
	if _, err := d.reconciler.Apply(ctx, domain.ChatEvent{
		Type:        domain.CommandSend,
		Channel:     ch,
		MessageID:   id,
		SenderID:    senderID,
		Text:        text,
		Attachments: attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return nil, err
	}

	entry := domain.OutboxEntry{
		CommandType: domain.CommandSend,
		MessageID:   id,
		ChannelKey:  ch.Key(),
		Payload: domain.CommandPayload{
			SenderID:    senderID,
			Text:        text,
			Attachments: attachments,
			Timestamp:   now,
		},
	}
	if err := d.execute(ctx, entry); err != nil {
		if discardErr := d.reconciler.Discard(ctx, ch, id); discardErr != nil {
			d.log.Warn("Failed to discard rejected message", "message_id", id, "error", discardErr)
		}
		return nil, err
	}
	return d.reconciler.Lookup(ctx, ch, id)
}

func (d *Dispatcher) Edit(ctx context.Context, ch domain.ChannelID, messageID, text string) (*domain.ChatMessage, error) {
	const op = "edit"
	if strings.TrimSpace(text) == "" {
		return nil, invalid(op, "message text required")
	}
	prev, err := d.ownedMessage(ctx, op, ch, messageID)
	if err != nil {
		return nil, err
	}

	ts := d.stamp(prev)
	if _, err := d.reconciler.Apply(ctx, domain.ChatEvent{
		Type:      domain.CommandEdit,
		Channel:   ch,
		MessageID: messageID,
		SenderID:  prev.SenderID,
		Text:      text,
		UpdatedAt: ts,
	}); err != nil {
		return nil, err
	}

	entry := domain.OutboxEntry{
		CommandType: domain.CommandEdit,
		MessageID:   messageID,
		ChannelKey:  ch.Key(),
		Payload:     domain.CommandPayload{SenderID: d.actor(prev), Text: text, Timestamp: ts},
	}
	if err := d.execute(ctx, entry); err != nil {
		d.rollback(ctx, ch, messageID, func(cur *domain.ChatMessage) bool {
			if !ownWrite(cur, ts) || cur.Deleted {
				return false
			}
			restoreContent(cur, prev)
			return true
		})
		return nil, err
	}
	return d.reconciler.Lookup(ctx, ch, messageID)
}

// Delete идемпотентен: повторное удаление tombstone - успех
func (d *Dispatcher) Delete(ctx context.Context, ch domain.ChannelID, messageID string) error {
	const op = "delete"
	if err := d.precheck(op, ch); err != nil {
		return err
	}
	prev, err := d.reconciler.Lookup(ctx, ch, messageID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return notFound(op, messageID)
		}
		return err
	}
	if prev.Deleted {
		return nil
	}
	if err := d.checkOwner(op, prev); err != nil {
		return err
	}

	ts := d.stamp(prev)
	if _, err := d.reconciler.Apply(ctx, domain.ChatEvent{
		Type:      domain.CommandDelete,
		Channel:   ch,
		MessageID: messageID,
		UpdatedAt: ts,
	}); err != nil {
		return err
	}

	entry := domain.OutboxEntry{
		CommandType: domain.CommandDelete,
		MessageID:   messageID,
		ChannelKey:  ch.Key(),
		Payload:     domain.CommandPayload{SenderID: d.actor(prev), Timestamp: ts},
	}
	if err := d.execute(ctx, entry); err != nil {
		d.rollback(ctx, ch, messageID, func(cur *domain.ChatMessage) bool {
			if !ownWrite(cur, ts) || !cur.Deleted {
				return false
			}
			cur.Deleted = false
			restoreContent(cur, prev)
			return true
		})
		return err
	}
	return nil
}

func (d *Dispatcher) React(ctx context.Context, ch domain.ChannelID, messageID, emoji string, add bool) (*domain.ChatMessage, error) {
	const op = "react"
	if strings.TrimSpace(emoji) == "" {
		return nil, invalid(op, "emoji required")
	}
	if d.userID == "" {
		return nil, invalid(op, "user id required to react")
	}
	if err := d.precheck(op, ch); err != nil {
		return nil, err
	}
	prev, err := d.reconciler.Lookup(ctx, ch, messageID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, notFound(op, messageID)
		}
		return nil, err
	}
	if prev.Deleted {
		return nil, notFound(op, messageID)
	}

	now := d.clock.Now().UTC()
	if _, err := d.reconciler.Apply(ctx, domain.ChatEvent{
		Type:      domain.CommandReact,
		Channel:   ch,
		MessageID: messageID,
		SenderID:  d.userID,
		Emoji:     emoji,
		Add:       add,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}

	entry := domain.OutboxEntry{
		CommandType: domain.CommandReact,
		MessageID:   messageID,
		ChannelKey:  ch.Key(),
		Payload:     domain.CommandPayload{SenderID: d.userID, Emoji: emoji, Add: add, Timestamp: now},
	}
	if err := d.execute(ctx, entry); err != nil {
		if prev.HasReaction(emoji, d.userID) != add {
			d.rollback(ctx, ch, messageID, func(cur *domain.ChatMessage) bool {
				return !cur.Deleted && cur.SetReaction(emoji, d.userID, !add)
			})
		}
		return nil, err
	}
	return d.reconciler.Lookup(ctx, ch, messageID)
}

// execute отправляет команду сразу или ставит в outbox. Возвращает ошибку только
// для прикладного отказа сервера или состояния Failed.
func (d *Dispatcher) execute(ctx context.Context, entry domain.OutboxEntry) error {
	ch, err := entry.Channel()
	if err != nil {
		return apperrors.Application(string(entry.CommandType), apperrors.CodeInvalidArgument, err)
	}

	if d.link.State() != domain.StateConnected || !d.rooms.Ready(ch) || d.outbox.HasPending(entry.ChannelKey) {
		return d.demote(ctx, entry, "offline")
	}

	err = d.Transmit(ctx, entry)
	switch {
	case err == nil:
		return nil
	case apperrors.KindOf(err) == apperrors.KindApplication:
		return err
	case d.link.State() == domain.StateFailed:
		return apperrors.Connection(string(entry.CommandType), apperrors.ErrConnectionFailed, true)
	default:
		// таймаут ack или обрыв: команда уйдет повторно, сервер идемпотентен по id
		d.log.Warn("Command not acknowledged, queued for replay",
			"command", entry.CommandType, "message_id", entry.MessageID, "error", err)
		return d.demote(context.WithoutCancel(ctx), entry, "unacknowledged")
	}
}

func (d *Dispatcher) demote(ctx context.Context, entry domain.OutboxEntry, reason string) error {
	if err := d.outbox.Enqueue(ctx, entry); err != nil {
		d.log.Error("Failed to enqueue command", "command", entry.CommandType, "message_id", entry.MessageID, "error", err)
		return err
	}
	d.log.Debug("Command queued", "command", entry.CommandType, "message_id", entry.MessageID, "reason", reason)
	if d.kick != nil {
		d.kick()
	}
	return nil
}

// Transmit отправляет команду по текущему соединению и ждет ack.
// Подтвержденное сервером состояние применяется к рабочему набору.
func (d *Dispatcher) Transmit(ctx context.Context, entry domain.OutboxEntry) error {
	env := domain.CommandEnvelope(entry)
	epoch := d.link.Epoch()
	start := d.clock.Now()

	w := d.acks.register(env, epoch, d.ackTimeout)
	if err := d.link.SendEpoch(ctx, epoch, env); err != nil {
		d.acks.cancel(w)
		d.report(entry, false, err, d.clock.Now().Sub(start))
		return err
	}

	ack, err := d.acks.wait(ctx, w)
	d.report(entry, err == nil, err, d.clock.Now().Sub(start))
	if err != nil {
		if entry.CommandType == domain.CommandDelete && errors.Is(err, apperrors.ErrNotFound) {
			// сообщения на сервере уже нет: цель удаления достигнута
			return nil
		}
		return err
	}

	d.confirm(ctx, entry, ack)
	return nil
}

// confirm применяет серверные отметки времени из ack
func (d *Dispatcher) confirm(ctx context.Context, entry domain.OutboxEntry, ack domain.Envelope) {
	if ack.Timestamp == 0 {
		return
	}
	ch, err := entry.Channel()
	if err != nil {
		return
	}
	text := entry.Payload.Text
	if ack.Content != "" {
		text = ack.Content
	}
	ev := domain.ChatEvent{
		Type:          entry.CommandType,
		Channel:       ch,
		MessageID:     entry.MessageID,
		SenderID:      entry.Payload.SenderID,
		Text:          text,
		Emoji:         entry.Payload.Emoji,
		Add:           entry.Payload.Add,
		Attachments:   entry.Payload.Attachments,
		CreatedAt:     domain.FromMillis(ack.CreatedAt),
		UpdatedAt:     domain.FromMillis(ack.Timestamp),
		ServerStamped: true,
	}
	if _, err := d.reconciler.Apply(ctx, ev); err != nil {
		d.log.Warn("Failed to apply acknowledged state", "message_id", entry.MessageID, "error", err)
	}
}

func (d *Dispatcher) precheck(op string, ch domain.ChannelID) error {
	if err := ch.Validate(); err != nil {
		return apperrors.Application(op, apperrors.CodeInvalidArgument, err)
	}
	if !d.rooms.IsJoined(ch) {
		return apperrors.Application(op, apperrors.CodeRoomNotJoined,
			fmt.Errorf("%w: %s", apperrors.ErrRoomNotJoined, ch.Key()))
	}
	if d.link.State() == domain.StateFailed {
		return apperrors.Connection(op, apperrors.ErrConnectionFailed, true)
	}
	return nil
}

func (d *Dispatcher) ownedMessage(ctx context.Context, op string, ch domain.ChannelID, messageID string) (*domain.ChatMessage, error) {
	if err := d.precheck(op, ch); err != nil {
		return nil, err
	}
	msg, err := d.reconciler.Lookup(ctx, ch, messageID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, notFound(op, messageID)
		}
		return nil, err
	}
	if msg.Deleted {
		return nil, notFound(op, messageID)
	}
	if err := d.checkOwner(op, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// checkOwner: менять и удалять сообщение может только автор, если личность клиента известна
func (d *Dispatcher) checkOwner(op string, msg *domain.ChatMessage) error {
	if d.userID == "" || msg.SenderID == "" || msg.SenderID == d.userID {
		return nil
	}
	return apperrors.Application(op, apperrors.CodePermissionDenied,
		fmt.Errorf("%w: message %s belongs to %s", apperrors.ErrPermissionDenied, msg.ID, msg.SenderID))
}

func (d *Dispatcher) actor(msg *domain.ChatMessage) string {
	if d.userID != "" {
		return d.userID
	}
	return msg.SenderID
}

// stamp - локальное время изменения, строго позже текущего состояния сообщения
func (d *Dispatcher) stamp(cur *domain.ChatMessage) time.Time {
	now := d.clock.Now().UTC()
	if floor := cur.UpdatedAt.Add(time.Millisecond); now.Before(floor) {
		return floor
	}
	return now
}

func (d *Dispatcher) rollback(ctx context.Context, ch domain.ChannelID, messageID string, undo func(cur *domain.ChatMessage) bool) {
	if err := d.reconciler.Revert(context.WithoutCancel(ctx), ch, messageID, undo); err != nil {
		d.log.Warn("Failed to roll back rejected change", "message_id", messageID, "error", err)
	}
}

// ownWrite: текущее состояние - все еще неподтвержденная локальная запись с отметкой ts.
// Подтверждение send могло подтянуть отметку правки до серверного createdAt.
func ownWrite(cur *domain.ChatMessage, ts time.Time) bool {
	if cur.ServerStamped {
		return false
	}
	return cur.UpdatedAt.Equal(ts) || (cur.UpdatedAt.Equal(cur.CreatedAt) && ts.Before(cur.CreatedAt))
}

func restoreContent(cur, prev *domain.ChatMessage) {
	cur.Text = prev.Text
	cur.Edited = prev.Edited
	cur.UpdatedAt = prev.UpdatedAt
	cur.ServerStamped = prev.ServerStamped
	if cur.UpdatedAt.Before(cur.CreatedAt) {
		cur.UpdatedAt = cur.CreatedAt
	}
}

func (d *Dispatcher) report(entry domain.OutboxEntry, success bool, err error, dur time.Duration) {
	attrs := map[string]any{
		"command":    string(entry.CommandType),
		"message_id": entry.MessageID,
		"channel":    entry.ChannelKey,
	}
	if err != nil {
		attrs["error"] = err.Error()
		attrs["kind"] = apperrors.KindOf(err).String()
	}
	d.reporter.Report(reporter.Event{
		Category:   reporter.CategoryCommand,
		Message:    strings.ToLower(string(entry.CommandType)),
		Success:    success,
		Duration:   dur,
		Attributes: attrs,
	})
}

func invalid(op, msg string) error {
	return apperrors.Application(op, apperrors.CodeInvalidArgument, fmt.Errorf("%w: %s", apperrors.ErrInvalidArgument, msg))
}

func notFound(op, messageID string) error {
	return apperrors.Application(op, apperrors.CodeNotFound, fmt.Errorf("%w: message %s", apperrors.ErrNotFound, messageID))
}
