package engine

import (
	"context"
	"sync"
	"time"

	"chat_sync/internal/domain"
	"chat_sync/internal/pubsub"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

const (
	DefaultRoomBufferSize = 50
	DefaultRoomBufferTTL  = 30 * time.Second
	roomEventsBuffer      = 64
)

// commandLink - то, что мультиплексору нужно от соединения
type commandLink interface {
	State() domain.ConnectionState
	Epoch() uint64
	SendEpoch(ctx context.Context, epoch uint64, env domain.Envelope) error
}

type room struct {
	channel domain.ChannelID
	ready   bool
	epoch   uint64
	events  *pubsub.Hub[domain.ChatEvent]
}

type bufferedEvent struct {
	event      domain.ChatEvent
	receivedAt time.Time
}

// RoomMultiplexer ведет желаемый набор комнат поверх одного соединения
// и маршрутизирует входящие события по комнатам.
type RoomMultiplexer struct {
	link       commandLink
	acks       *ackTracker
	ackTimeout time.Duration
	bufferSize int
	bufferTTL  time.Duration
	clock      Clock
	sink       func(ctx context.Context, ev domain.ChatEvent)
	log        logger.Logger
	reporter   reporter.Reporter

	// deliverMu упорядочивает доставку: событие после join не обгонит буферизованные
	deliverMu sync.Mutex
	// rejoinMu: один проход RejoinAll за раз, иначе комната получит два JOIN
	rejoinMu sync.Mutex
	mu        sync.Mutex
	rooms     map[domain.ChannelID]*room
	pending   []bufferedEvent
}

type RoomOptions struct {
	AckTimeout time.Duration
	BufferSize int
	BufferTTL  time.Duration
}

func NewRoomMultiplexer(link commandLink, acks *ackTracker, opts RoomOptions, clock Clock,
	sink func(ctx context.Context, ev domain.ChatEvent), log logger.Logger, rep reporter.Reporter) *RoomMultiplexer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultRoomBufferSize
	}
	if opts.BufferTTL <= 0 {
		opts.BufferTTL = DefaultRoomBufferTTL
	}
	return &RoomMultiplexer{
		link:       link,
		acks:       acks,
		ackTimeout: opts.AckTimeout,
		bufferSize: opts.BufferSize,
		bufferTTL:  opts.BufferTTL,
		clock:      clock,
		sink:       sink,
		log:        log.With("component", "rooms"),
		reporter:   rep,
		rooms:      make(map[domain.ChannelID]*room),
	}
}

// JoinRoom идемпотентен. Без соединения членство только регистрируется,
// JOIN уйдет при подключении.
func (m *RoomMultiplexer) JoinRoom(ctx context.Context, ch domain.ChannelID) error {
	if err := ch.Validate(); err != nil {
		return apperrors.Application("join", apperrors.CodeInvalidArgument, err)
	}

	m.mu.Lock()
	r, exists := m.rooms[ch]
	if !exists {
		r = &room{channel: ch, events: pubsub.New[domain.ChatEvent](roomEventsBuffer, false)}
		m.rooms[ch] = r
	}
	ready := r.ready && r.epoch == m.link.Epoch()
	m.mu.Unlock()

	if ready {
		return nil
	}
	if m.link.State() != domain.StateConnected {
		m.log.Debug("Join deferred until connected", "room", ch.Key())
		m.report("join deferred", ch, true, nil, 0)
		return nil
	}

	err := m.join(ctx, r)
	switch {
	case err == nil:
		return nil
	case apperrors.KindOf(err) == apperrors.KindApplication:
		m.remove(ch)
		return err
	default:
		// членство остается, JOIN повторится при следующем подключении или replay
		m.log.Warn("Join not confirmed, will retry", "room", ch.Key(), "error", err)
		return nil
	}
}

// LeaveRoom идемпотентен; без соединения членство просто снимается
func (m *RoomMultiplexer) LeaveRoom(ctx context.Context, ch domain.ChannelID) error {
	r, ok := m.remove(ch)
	if !ok {
		return nil
	}
	wasReady := r.ready
	r.events.Close()

	if !wasReady || m.link.State() != domain.StateConnected {
		m.report("left", ch, true, nil, 0)
		return nil
	}

	env := domain.Envelope{
		Type:      domain.EnvelopeCommand,
		Action:    domain.ActionLeave,
		RoomID:    ch.Key(),
		Timestamp: domain.Millis(m.clock.Now()),
	}
	start := m.clock.Now()
	_, err := m.roundTrip(ctx, env)
	m.report("left", ch, err == nil, err, m.clock.Now().Sub(start))
	if err != nil && apperrors.KindOf(err) == apperrors.KindApplication {
		return err
	}
	return nil
}

func (m *RoomMultiplexer) join(ctx context.Context, r *room) error {
	env := domain.Envelope{
		Type:      domain.EnvelopeCommand,
		Action:    domain.ActionJoin,
		RoomID:    r.channel.Key(),
		Timestamp: domain.Millis(m.clock.Now()),
	}
	start := m.clock.Now()
	epoch, err := m.roundTrip(ctx, env)
	m.report("joined", r.channel, err == nil, err, m.clock.Now().Sub(start))
	if err != nil {
		return err
	}

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.rooms[r.channel] != r {
		// комнату покинули, пока ждали ack
		m.mu.Unlock()
		return nil
	}
	r.ready = true
	r.epoch = epoch
	flushed := m.takePendingLocked(r.channel)
	m.mu.Unlock()

	m.log.Info("Joined room", "room", r.channel.Key(), "buffered", len(flushed))
	for _, ev := range flushed {
		m.deliver(ctx, r, ev)
	}
	return nil
}

func (m *RoomMultiplexer) roundTrip(ctx context.Context, env domain.Envelope) (uint64, error) {
	epoch := m.link.Epoch()
	w := m.acks.register(env, epoch, m.ackTimeout)
	if err := m.link.SendEpoch(ctx, epoch, env); err != nil {
		m.acks.cancel(w)
		return epoch, err
	}
	_, err := m.acks.wait(ctx, w)
	return epoch, err
}

// RejoinAll повторяет JOIN для всех комнат, не подтвержденных на текущем соединении.
// Возвращает первую прикладную ошибку; такие комнаты снимаются.
func (m *RoomMultiplexer) RejoinAll(ctx context.Context) error {
	m.rejoinMu.Lock()
	defer m.rejoinMu.Unlock()

	var firstErr error
	for _, r := range m.unready() {
		if m.link.State() != domain.StateConnected {
			return nil
		}
		err := m.join(ctx, r)
		if err == nil {
			continue
		}
		if apperrors.KindOf(err) == apperrors.KindApplication {
			m.log.Warn("Rejoin rejected, dropping room", "room", r.channel.Key(), "error", err)
			m.remove(r.channel)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.log.Warn("Rejoin not confirmed", "room", r.channel.Key(), "error", err)
	}
	return firstErr
}

// MarkUnready снимает готовность со всех комнат после потери соединения
func (m *RoomMultiplexer) MarkUnready() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		r.ready = false
	}
}

// Route доставляет событие комнате или буферизует его, если комната еще не подтверждена
func (m *RoomMultiplexer) Route(ctx context.Context, ev domain.ChatEvent) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	r, ok := m.rooms[ev.Channel]
	if ok && r.ready {
		m.mu.Unlock()
		m.deliver(ctx, r, ev)
		return
	}

	now := m.clock.Now()
	m.pruneLocked(now)
	if len(m.pending) >= m.bufferSize {
		m.mu.Unlock()
		m.log.Warn("Dropping event for room that is not joined", "room", ev.Channel.Key(), "message_id", ev.MessageID)
		m.report("event dropped", ev.Channel, false, nil, 0)
		return
	}
	m.pending = append(m.pending, bufferedEvent{event: ev, receivedAt: now})
	m.mu.Unlock()
}

func (m *RoomMultiplexer) deliver(ctx context.Context, r *room, ev domain.ChatEvent) {
	if m.sink != nil {
		m.sink(ctx, ev)
	}
	r.events.Publish(ev)
}

func (m *RoomMultiplexer) takePendingLocked(ch domain.ChannelID) []domain.ChatEvent {
	m.pruneLocked(m.clock.Now())
	var taken []domain.ChatEvent
	kept := m.pending[:0]
	for _, b := range m.pending {
		if b.event.Channel == ch {
			taken = append(taken, b.event)
		} else {
			kept = append(kept, b)
		}
	}
	m.pending = kept
	return taken
}

func (m *RoomMultiplexer) pruneLocked(now time.Time) {
	kept := m.pending[:0]
	for _, b := range m.pending {
		if now.Sub(b.receivedAt) < m.bufferTTL {
			kept = append(kept, b)
		}
	}
	m.pending = kept
}

func (m *RoomMultiplexer) remove(ch domain.ChannelID) (*room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[ch]
	if !ok {
		return nil, false
	}
	delete(m.rooms, ch)
	kept := m.pending[:0]
	for _, b := range m.pending {
		if b.event.Channel != ch {
			kept = append(kept, b)
		}
	}
	m.pending = kept
	return r, true
}

func (m *RoomMultiplexer) unready() []*room {
	m.mu.Lock()
	defer m.mu.Unlock()

	epoch := m.link.Epoch()
	var out []*room
	for _, r := range m.rooms {
		if !r.ready || r.epoch != epoch {
			out = append(out, r)
		}
	}
	return out
}

// IsJoined: комната в желаемом наборе (подтверждена или ждет JOIN)
func (m *RoomMultiplexer) IsJoined(ch domain.ChannelID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[ch]
	return ok
}

// Ready: JOIN подтвержден на текущем соединении
func (m *RoomMultiplexer) Ready(ch domain.ChannelID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[ch]
	return ok && r.ready && r.epoch == m.link.Epoch()
}

func (m *RoomMultiplexer) Joined() []domain.ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ChannelID, 0, len(m.rooms))
	for ch := range m.rooms {
		out = append(out, ch)
	}
	return out
}

// EventsFor - поток событий одной комнаты; закрывается при выходе из нее
func (m *RoomMultiplexer) EventsFor(ch domain.ChannelID) (<-chan domain.ChatEvent, func(), error) {
	m.mu.Lock()
	r, ok := m.rooms[ch]
	m.mu.Unlock()
	if !ok {
		return nil, nil, apperrors.Application("events", apperrors.CodeRoomNotJoined, apperrors.ErrRoomNotJoined)
	}
	events, cancel := r.events.Subscribe()
	return events, cancel, nil
}

// Close закрывает потоки событий всех комнат
func (m *RoomMultiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		r.events.Close()
	}
}

func (m *RoomMultiplexer) report(msg string, ch domain.ChannelID, success bool, err error, d time.Duration) {
	attrs := map[string]any{"room": ch.Key()}
	if err != nil {
		attrs["error"] = err.Error()
	}
	m.reporter.Report(reporter.Event{
		Category:   reporter.CategoryRoom,
		Message:    msg,
		Success:    success,
		Duration:   d,
		Attributes: attrs,
	})
}
