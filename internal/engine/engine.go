package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chat_sync/internal/config"
	"chat_sync/internal/domain"
	"chat_sync/internal/pubsub"
	"chat_sync/internal/repository"
	"chat_sync/internal/transport"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

// ReplayFailure - команда из outbox, окончательно отклоненная сервером
type ReplayFailure struct {
	Entry domain.OutboxEntry
	Err   error
}

// TeardownPolicy определяет поведение Disconnect при непустом outbox.
// DrainTimeout == 0 - не ждать; Strict - вернуть ErrTeardownIncomplete, если очередь не опустела.
type TeardownPolicy struct {
	DrainTimeout time.Duration
	Strict       bool
}

type Options struct {
	ServerURL      string
	AuthToken      string
	UserID         string
	AckTimeout     time.Duration
	Reconnect      RetryPolicy
	ReplayRetry    RetryPolicy
	RoomBufferSize int
	RoomBufferTTL  time.Duration
	ReplayRate     float64
	ReplayBurst    int
	Teardown       TeardownPolicy
}

func DefaultOptions() Options {
	return Options{
		AckTimeout:     5 * time.Second,
		Reconnect:      DefaultRetryPolicy(),
		ReplayRetry:    RetryPolicy{InitialInterval: 200 * time.Millisecond, MaxInterval: 10 * time.Second, Multiplier: 2, Jitter: 0.2},
		RoomBufferSize: DefaultRoomBufferSize,
		RoomBufferTTL:  DefaultRoomBufferTTL,
		ReplayRate:     20,
		ReplayBurst:    5,
	}
}

// OptionsFromConfig переносит настройки окружения в параметры движка
func OptionsFromConfig(c config.EngineConfig) Options {
	opts := DefaultOptions()
	opts.ServerURL = c.ServerURL
	opts.AuthToken = c.AuthToken
	opts.UserID = c.UserID
	opts.AckTimeout = c.AckTimeout
	opts.Reconnect = RetryPolicy{
		InitialInterval: c.Reconnect.InitialInterval,
		MaxInterval:     c.Reconnect.MaxInterval,
		Multiplier:      c.Reconnect.Multiplier,
		Jitter:          c.Reconnect.Jitter,
		MaxRetries:      c.Reconnect.MaxRetries,
	}
	opts.RoomBufferSize = c.RoomBufferSize
	opts.RoomBufferTTL = c.RoomBufferTTL
	opts.ReplayRate = c.ReplayRate
	opts.ReplayBurst = c.ReplayBurst
	opts.Teardown = TeardownPolicy{DrainTimeout: c.Teardown.DrainTimeout, Strict: c.Teardown.Strict}
	return opts
}

type Dependencies struct {
	Dialer      transport.Dialer
	Messages    repository.MessageRepository
	OutboxStore repository.OutboxRepository
	Logger      logger.Logger
	Reporter    reporter.Reporter
	Clock       Clock
	NewID       func() string
}

// Engine - клиентский движок синхронизации чата
type Engine struct {
	opts     Options
	clock    Clock
	log      logger.Logger
	reporter reporter.Reporter

	conn       *ConnectionManager
	acks       *ackTracker
	rooms      *RoomMultiplexer
	outbox     *Outbox
	reconciler *Reconciler
	dispatcher *Dispatcher
	limiter    *rate.Limiter

	failures *pubsub.Hub[ReplayFailure]
	kickCh   chan struct{}

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
}

// New собирает движок и запускает фоновые циклы маршрутизации и replay.
// Сохраненный outbox поднимается сразу и уйдет после подключения.
func New(ctx context.Context, opts Options, deps Dependencies) (*Engine, error) {
	if deps.Dialer == nil {
		return nil, fmt.Errorf("engine: dialer is required")
	}
	if deps.Messages == nil {
		deps.Messages = repository.NewMemoryMessageRepository()
	}
	if deps.OutboxStore == nil {
		deps.OutboxStore = repository.NewMemoryOutboxRepository()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Reporter == nil {
		deps.Reporter = reporter.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.NewString() }
	}
	defaults := DefaultOptions()
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaults.AckTimeout
	}
	if opts.ReplayRate <= 0 {
		opts.ReplayRate = defaults.ReplayRate
	}
	if opts.ReplayBurst <= 0 {
		opts.ReplayBurst = defaults.ReplayBurst
	}
	if opts.ReplayRetry.InitialInterval <= 0 {
		opts.ReplayRetry = defaults.ReplayRetry
	}

	log := deps.Logger.With("user_id", opts.UserID)

	outbox, err := NewOutbox(ctx, deps.OutboxStore, deps.Clock, log, deps.Reporter)
	if err != nil {
		return nil, fmt.Errorf("engine: load outbox: %w", err)
	}

	e := &Engine{
		opts:     opts,
		clock:    deps.Clock,
		log:      log.With("component", "engine"),
		reporter: deps.Reporter,
		outbox:   outbox,
		limiter:  rate.NewLimiter(rate.Limit(opts.ReplayRate), opts.ReplayBurst),
		failures: pubsub.New[ReplayFailure](32, false),
		kickCh:   make(chan struct{}, 1),
	}

	e.acks = newAckTracker(deps.Clock)
	e.conn = NewConnectionManager(deps.Dialer, opts.Reconnect, deps.Clock, log, deps.Reporter)
	e.reconciler = NewReconciler(deps.Messages, log, deps.Reporter)
	e.rooms = NewRoomMultiplexer(e.conn, e.acks, RoomOptions{
		AckTimeout: opts.AckTimeout,
		BufferSize: opts.RoomBufferSize,
		BufferTTL:  opts.RoomBufferTTL,
	}, deps.Clock, e.applyRemote, log, deps.Reporter)
	e.dispatcher = NewDispatcher(DispatcherDeps{
		Link:       e.conn,
		Rooms:      e.rooms,
		Outbox:     outbox,
		Acks:       e.acks,
		Reconciler: e.reconciler,
		Clock:      deps.Clock,
		NewID:      deps.NewID,
		Kick:       e.kick,
	}, opts.AckTimeout, opts.UserID, log, deps.Reporter)

	e.conn.SetHooks(ConnectionHooks{
		OnConnected: e.onConnected,
		OnLost:      e.onLost,
		OnFailed:    e.onFailed,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	e.cancel = cancel
	e.group = group
	group.Go(func() error { return e.route(groupCtx) })
	group.Go(func() error { return e.replayLoop(groupCtx) })

	return e, nil
}

// Connect подключается к серверу. Пустые url/token берутся из Options.
func (e *Engine) Connect(ctx context.Context, serverURL, authToken string) error {
	if serverURL == "" {
		serverURL = e.opts.ServerURL
	}
	if authToken == "" {
		authToken = e.opts.AuthToken
	}
	if serverURL == "" {
		return apperrors.Application("connect", apperrors.CodeInvalidArgument,
			fmt.Errorf("%w: server url required", apperrors.ErrInvalidArgument))
	}
	return e.conn.Connect(ctx, serverURL, authToken)
}

// Disconnect закрывает соединение без переподключения. По TeardownPolicy сначала
// ждет опустошения outbox; недоставленные команды остаются в хранилище.
func (e *Engine) Disconnect(ctx context.Context) error {
	var teardownErr error
	if e.opts.Teardown.DrainTimeout > 0 && e.outbox.Size() > 0 && e.conn.State() == domain.StateConnected {
		e.kick()
		if !e.waitDrained(ctx, e.opts.Teardown.DrainTimeout) {
			e.log.Warn("Outbox not drained before disconnect", "remaining", e.outbox.Size())
		}
	}
	if e.opts.Teardown.Strict && e.outbox.Size() > 0 {
		teardownErr = apperrors.Application("disconnect", apperrors.CodeInternal,
			fmt.Errorf("%w: %d commands pending", apperrors.ErrTeardownIncomplete, e.outbox.Size()))
	}

	e.conn.Disconnect()
	e.reporter.Report(reporter.Event{
		Category:   reporter.CategorySession,
		Message:    "disconnect",
		Success:    teardownErr == nil,
		Attributes: map[string]any{"outbox_size": e.outbox.Size()},
	})
	return teardownErr
}

func (e *Engine) waitDrained(ctx context.Context, timeout time.Duration) bool {
	sizes, cancel := e.outbox.Sizes()
	defer cancel()

	deadline := e.clock.After(timeout)
	for {
		select {
		case size, ok := <-sizes:
			if !ok {
				return false
			}
			if size == 0 {
				return true
			}
		case <-deadline:
			return e.outbox.Size() == 0
		case <-ctx.Done():
			return false
		}
	}
}

func (e *Engine) JoinRoom(ctx context.Context, ch domain.ChannelID) error {
	if err := e.rooms.JoinRoom(ctx, ch); err != nil {
		return err
	}
	// в outbox могут ждать команды этой комнаты
	e.kick()
	return nil
}

// LeaveRoom выходит из комнаты и выгружает ее рабочий набор.
// Недоставленные команды комнаты снимаются и попадают в ReplayFailures.
func (e *Engine) LeaveRoom(ctx context.Context, ch domain.ChannelID) error {
	err := e.rooms.LeaveRoom(ctx, ch)
	for _, entry := range e.outbox.DropChannel(ctx, ch.Key()) {
		e.failures.Publish(ReplayFailure{
			Entry: entry,
			Err: apperrors.Application(string(entry.CommandType), apperrors.CodeRoomNotJoined,
				fmt.Errorf("%w: %s", apperrors.ErrRoomNotJoined, ch.Key())),
		})
	}
	e.reconciler.Forget(ch)
	return err
}

func (e *Engine) Send(ctx context.Context, ch domain.ChannelID, senderID, text string, attachments []domain.Attachment) (*domain.ChatMessage, error) {
	return e.dispatcher.Send(ctx, ch, senderID, text, attachments)
}

func (e *Engine) Edit(ctx context.Context, ch domain.ChannelID, messageID, text string) (*domain.ChatMessage, error) {
	return e.dispatcher.Edit(ctx, ch, messageID, text)
}

func (e *Engine) Delete(ctx context.Context, ch domain.ChannelID, messageID string) error {
	return e.dispatcher.Delete(ctx, ch, messageID)
}

func (e *Engine) React(ctx context.Context, ch domain.ChannelID, messageID, emoji string, add bool) (*domain.ChatMessage, error) {
	return e.dispatcher.React(ctx, ch, messageID, emoji, add)
}

func (e *Engine) State() domain.ConnectionState {
	return e.conn.State()
}

// ConnectionState - поток состояний соединения
func (e *Engine) ConnectionState() (<-chan domain.ConnectionState, func()) {
	return e.conn.States()
}

// MergedView - поток упорядоченных снимков канала
func (e *Engine) MergedView(ctx context.Context, ch domain.ChannelID) (<-chan []domain.ChatMessage, func(), error) {
	return e.reconciler.MergedView(ctx, ch)
}

func (e *Engine) Messages(ctx context.Context, ch domain.ChannelID) ([]domain.ChatMessage, error) {
	return e.reconciler.Snapshot(ctx, ch)
}

func (e *Engine) Events(ch domain.ChannelID) (<-chan domain.ChatEvent, func(), error) {
	return e.rooms.EventsFor(ch)
}

func (e *Engine) OutboxSize() int {
	return e.outbox.Size()
}

func (e *Engine) OutboxSizes() (<-chan int, func()) {
	return e.outbox.Sizes()
}

func (e *Engine) OutboxEntries() []domain.OutboxEntry {
	return e.outbox.Entries()
}

// ReplayFailures - команды outbox, отклоненные сервером при повторной отправке
func (e *Engine) ReplayFailures() (<-chan ReplayFailure, func()) {
	return e.failures.Subscribe()
}

// PendingAcks - команды, ждущие подтверждения
func (e *Engine) PendingAcks() []domain.PendingAck {
	return e.acks.pending()
}

// Close отключается, останавливает фоновые циклы и закрывает все потоки
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.conn.Close()
		e.cancel()
		err = e.group.Wait()
		e.rooms.Close()
		e.reconciler.Close()
		e.outbox.Close()
		e.failures.Close()
	})
	return err
}

func (e *Engine) kick() {
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
}

func (e *Engine) onConnected(ctx context.Context, epoch uint64) {
	// комнаты восстанавливаются до replay
	if err := e.rooms.RejoinAll(ctx); err != nil {
		e.log.Warn("Some rooms were not rejoined", "error", err)
	}
	e.kick()
}

func (e *Engine) onLost(epoch uint64, err error) {
	e.rooms.MarkUnready()
	if n := e.acks.failEpoch(epoch, err); n > 0 {
		e.log.Debug("Pending commands interrupted", "count", n, "epoch", epoch)
	}
}

// onFailed сообщает о каждой команде outbox: без нового Connect они не уйдут.
// Записи остаются в хранилище и будут отправлены после успешного подключения.
func (e *Engine) onFailed(cause error) {
	entries := e.outbox.Entries()
	for _, entry := range entries {
		err := apperrors.Connection(string(entry.CommandType),
			fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, cause), true)
		e.failures.Publish(ReplayFailure{Entry: entry, Err: err})
		e.reporter.Report(reporter.Event{
			Category: reporter.CategoryCommand,
			Message:  "connection failed",
			Success:  false,
			Attributes: map[string]any{
				"command":    string(entry.CommandType),
				"message_id": entry.MessageID,
				"channel":    entry.ChannelKey,
				"error":      err.Error(),
			},
		})
	}
	if len(entries) > 0 {
		e.log.Warn("Queued commands stalled by failed connection", "count", len(entries), "error", cause)
	}
}

// applyRemote - приемник событий комнат
func (e *Engine) applyRemote(ctx context.Context, ev domain.ChatEvent) {
	if _, err := e.reconciler.Apply(ctx, ev); err != nil {
		e.log.Error("Failed to apply remote event", "message_id", ev.MessageID, "error", err)
	}
}

func (e *Engine) route(ctx context.Context) error {
	inbound := e.conn.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-inbound:
			e.handleInbound(ctx, in)
		}
	}
}

func (e *Engine) handleInbound(ctx context.Context, in Inbound) {
	env := in.Envelope
	switch env.Type {
	case domain.EnvelopeAck:
		if !e.acks.resolve(in.Epoch, env) {
			e.log.Debug("Ignoring unmatched ack", "action", env.Action, "message_id", env.MessageID, "epoch", in.Epoch)
		}
	case domain.EnvelopeEvent:
		ev, err := domain.EventFromEnvelope(env)
		if err != nil {
			e.log.Warn("Dropping malformed event", "error", err)
			return
		}
		e.rooms.Route(ctx, ev)
	default:
		e.log.Warn("Unexpected envelope from server", "type", env.Type, "action", env.Action)
	}
}

func (e *Engine) replayLoop(ctx context.Context) error {
	bo := e.opts.ReplayRetry.NewBackoff()
	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.kickCh:
		case <-retry:
		}
		retry = nil

		if e.conn.State() != domain.StateConnected || e.outbox.Size() == 0 {
			continue
		}
		if err := e.rooms.RejoinAll(ctx); err != nil {
			e.log.Warn("Rejoin before replay failed", "error", err)
		}

		retryable := e.sweep(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if e.outbox.Size() == 0 {
			bo.Reset()
			continue
		}
		if e.conn.State() != domain.StateConnected {
			// следующий проход запустит onConnected
			continue
		}
		if !retryable && !e.awaitingJoin() {
			// записи ждут JoinRoom; он разбудит цикл
			continue
		}
		delay, ok := bo.Next()
		if !ok {
			bo.Reset()
			delay = e.opts.ReplayRetry.MaxInterval
		}
		retry = e.clock.After(delay)
	}
}

// awaitingJoin: есть команды для комнаты, JOIN которой еще не подтвержден
func (e *Engine) awaitingJoin() bool {
	for _, entry := range e.outbox.Entries() {
		ch, err := entry.Channel()
		if err == nil && e.rooms.IsJoined(ch) && !e.rooms.Ready(ch) {
			return true
		}
	}
	return false
}

// sweep делает один проход outbox; true - были повторяемые ошибки
func (e *Engine) sweep(ctx context.Context) bool {
	ready := func(channelKey string) bool {
		ch, err := domain.ParseChannelKey(channelKey)
		return err == nil && e.rooms.Ready(ch)
	}
	send := func(ctx context.Context, entry domain.OutboxEntry) error {
		if err := e.limiter.Wait(ctx); err != nil {
			return apperrors.Connection("replay", err, false)
		}
		return e.dispatcher.Transmit(ctx, entry)
	}

	retryable := false
	delivered := 0
	for res := range e.outbox.Replay(ctx, ready, send) {
		switch {
		case res.Err == nil:
			delivered++
		case apperrors.KindOf(res.Err) == apperrors.KindApplication:
			e.log.Warn("Queued command rejected by server",
				"command", res.Entry.CommandType, "message_id", res.Entry.MessageID, "error", res.Err)
			e.dropRejected(ctx, res.Entry)
			e.failures.Publish(ReplayFailure{Entry: res.Entry, Err: res.Err})
		default:
			retryable = true
		}
	}
	if delivered > 0 {
		e.log.Info("Outbox replayed", "delivered", delivered, "remaining", e.outbox.Size())
	}
	return retryable
}

// dropRejected убирает оптимистичное сообщение, которое сервер отказался создать
func (e *Engine) dropRejected(ctx context.Context, entry domain.OutboxEntry) {
	if entry.CommandType != domain.CommandSend {
		return
	}
	ch, err := entry.Channel()
	if err != nil {
		return
	}
	if err := e.reconciler.Discard(ctx, ch, entry.MessageID); err != nil {
		e.log.Warn("Failed to discard rejected message", "message_id", entry.MessageID, "error", err)
	}
}
