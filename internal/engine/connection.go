package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chat_sync/internal/domain"
	"chat_sync/internal/pubsub"
	"chat_sync/internal/transport"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/jwt"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

const inboundBuffer = 256

// Inbound - конверт от сервера с номером соединения, через которое он пришел
type Inbound struct {
	Epoch    uint64
	Envelope domain.Envelope
}

type ConnectionHooks struct {
	// OnConnected вызывается в отдельной горутине после каждого успешного подключения;
	// ctx отменяется при потере этого соединения
	OnConnected func(ctx context.Context, epoch uint64)
	// OnLost вызывается при потере соединения, Disconnect и переходе в Failed
	OnLost func(epoch uint64, err error)
	// OnFailed вызывается после перехода в Failed, уже после OnLost
	OnFailed func(err error)
}

// ConnectionManager владеет единственным соединением и его жизненным циклом:
// Disconnected -> Connecting -> Connected -> Reconnecting -> ... -> Failed.
type ConnectionManager struct {
	dialer   transport.Dialer
	policy   RetryPolicy
	clock    Clock
	log      logger.Logger
	reporter reporter.Reporter

	mu         sync.Mutex
	state      domain.ConnectionState
	conn       transport.Conn
	epoch      uint64
	url        string
	token      string
	runCtx     context.Context
	runCancel  context.CancelFunc
	connCancel context.CancelFunc
	hooks      ConnectionHooks

	states  *pubsub.Hub[domain.ConnectionState]
	inbound chan Inbound
}

func NewConnectionManager(dialer transport.Dialer, policy RetryPolicy, clock Clock, log logger.Logger, rep reporter.Reporter) *ConnectionManager {
	m := &ConnectionManager{
		dialer:   dialer,
		policy:   policy,
		clock:    clock,
		log:      log.With("component", "connection"),
		reporter: rep,
		state:    domain.StateDisconnected,
		states:   pubsub.New[domain.ConnectionState](16, true),
		inbound:  make(chan Inbound, inboundBuffer),
	}
	m.states.Publish(domain.StateDisconnected)
	return m
}

func (m *ConnectionManager) SetHooks(h ConnectionHooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

func (m *ConnectionManager) Inbound() <-chan Inbound {
	return m.inbound
}

func (m *ConnectionManager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// States - поток состояний; подписчик сразу получает текущее
func (m *ConnectionManager) States() (<-chan domain.ConnectionState, func()) {
	return m.states.Subscribe()
}

func (m *ConnectionManager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Connect блокируется до Connected или Failed. Повторы идут по RetryPolicy;
// отказ авторизации и истекший токен переводят в Failed без повторов.
func (m *ConnectionManager) Connect(ctx context.Context, url, token string) error {
	m.mu.Lock()
	switch m.state {
	case domain.StateConnected:
		m.mu.Unlock()
		return nil
	case domain.StateConnecting, domain.StateReconnecting:
		m.mu.Unlock()
		return apperrors.Connection("connect", fmt.Errorf("connect already in progress"), false)
	}

	if claims, err := jwt.Inspect(token); err == nil && jwt.Expired(claims, m.clock.Now()) {
		m.setStateLocked(domain.StateFailed)
		onFailed := m.hooks.OnFailed
		m.mu.Unlock()
		err := apperrors.Connection("connect", fmt.Errorf("%w: token expired", apperrors.ErrAuthRejected), true)
		m.report("connect", false, err, 0)
		if onFailed != nil {
			onFailed(err)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.url, m.token = url, token
	m.runCtx, m.runCancel = runCtx, cancel
	m.setStateLocked(domain.StateConnecting)
	m.mu.Unlock()

	return m.establish(ctx, runCtx, false)
}

// Disconnect - явный запрос клиента: автоматического переподключения не будет
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	if m.runCancel != nil {
		m.runCancel()
	}
	if m.connCancel != nil {
		m.connCancel()
	}
	conn := m.conn
	epoch := m.epoch
	m.conn, m.runCtx, m.runCancel, m.connCancel = nil, nil, nil, nil
	// входящие ack от закрытого соединения больше не сопоставятся
	m.epoch++
	m.setStateLocked(domain.StateDisconnected)
	onLost := m.hooks.OnLost
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if onLost != nil {
		onLost(epoch, apperrors.Connection("disconnect", apperrors.ErrNotConnected, false))
	}
	m.log.Info("Disconnected by client")
	m.reporter.Report(reporter.Event{Category: reporter.CategoryConnection, Message: "disconnected", Success: true})
}

// SendEpoch отправляет конверт, только если текущее соединение все еще epoch
func (m *ConnectionManager) SendEpoch(ctx context.Context, epoch uint64, env domain.Envelope) error {
	m.mu.Lock()
	conn, current, state := m.conn, m.epoch, m.state
	m.mu.Unlock()

	if state != domain.StateConnected || conn == nil || current != epoch {
		return apperrors.Connection("send", apperrors.ErrNotConnected, false)
	}
	return conn.Send(ctx, env)
}

// Close закрывает поток состояний; после Close менеджер не используется
func (m *ConnectionManager) Close() {
	m.Disconnect()
	m.states.Close()
}

func (m *ConnectionManager) establish(ctx, runCtx context.Context, reconnect bool) error {
	bo := m.policy.NewBackoff()
	notConnected := apperrors.Connection("connect", apperrors.ErrNotConnected, true)
	var lastErr error

	for attempt := 0; ; attempt++ {
		if reconnect || attempt > 0 {
			delay, ok := bo.Next()
			if !ok {
				return m.fail(runCtx, apperrors.Connection("connect",
					fmt.Errorf("%w after %d retries: %v", apperrors.ErrConnectionFailed, bo.Attempts(), lastErr), true))
			}
			m.setState(runCtx, domain.StateReconnecting)
			m.log.Debug("Waiting before reconnect", "delay", delay, "attempt", bo.Attempts())

			select {
			case <-m.clock.After(delay):
			case <-runCtx.Done():
				return notConnected
			case <-ctx.Done():
				if runCtx.Err() != nil {
					return notConnected
				}
				return m.abort(runCtx, ctx.Err())
			}
		}

		m.setState(runCtx, domain.StateConnecting)
		start := m.clock.Now()
		conn, err := m.dial(ctx, runCtx)
		if err == nil {
			if !m.attach(runCtx, conn) {
				_ = conn.Close()
				return notConnected
			}
			m.report("connected", true, nil, m.clock.Now().Sub(start))
			return nil
		}

		lastErr = err
		if runCtx.Err() != nil {
			return notConnected
		}
		if ctx.Err() != nil {
			return m.abort(runCtx, ctx.Err())
		}
		if apperrors.IsFatal(err) {
			return m.fail(runCtx, err)
		}
		m.log.Warn("Failed to connect", "error", err, "attempt", attempt+1)
		m.report("dial", false, err, m.clock.Now().Sub(start))
	}
}

func (m *ConnectionManager) dial(ctx, runCtx context.Context) (transport.Conn, error) {
	m.mu.Lock()
	url, token := m.url, m.token
	m.mu.Unlock()

	dialCtx, cancel := context.WithCancel(runCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return m.dialer.Dial(dialCtx, url, token)
}

func (m *ConnectionManager) attach(runCtx context.Context, conn transport.Conn) bool {
	m.mu.Lock()
	if m.runCtx != runCtx || runCtx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	connCtx, connCancel := context.WithCancel(runCtx)
	m.conn = conn
	m.connCancel = connCancel
	m.epoch++
	epoch := m.epoch
	m.setStateLocked(domain.StateConnected)
	onConnected := m.hooks.OnConnected
	m.mu.Unlock()

	m.log.Info("Connected", "epoch", epoch)
	go m.readLoop(runCtx, conn, epoch)
	if onConnected != nil {
		go onConnected(connCtx, epoch)
	}
	return true
}

func (m *ConnectionManager) readLoop(runCtx context.Context, conn transport.Conn, epoch uint64) {
	for {
		env, err := conn.Receive()
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindProtocol {
				m.log.Warn("Dropping malformed envelope", "error", err)
				m.report("malformed envelope", false, err, 0)
				continue
			}
			m.handleLost(runCtx, conn, epoch, err)
			return
		}

		select {
		case m.inbound <- Inbound{Epoch: epoch, Envelope: env}:
		case <-runCtx.Done():
			return
		}
	}
}

func (m *ConnectionManager) handleLost(runCtx context.Context, conn transport.Conn, epoch uint64, cause error) {
	m.mu.Lock()
	if m.runCtx != runCtx || runCtx.Err() != nil || m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.conn = nil
	m.setStateLocked(domain.StateReconnecting)
	onLost := m.hooks.OnLost
	m.mu.Unlock()

	_ = conn.Close()
	m.log.Warn("Connection lost", "error", cause, "epoch", epoch)
	m.report("connection lost", false, cause, 0)
	if onLost != nil {
		onLost(epoch, apperrors.Connection("receive", fmt.Errorf("%w: %v", apperrors.ErrNetwork, cause), false))
	}

	_ = m.establish(runCtx, runCtx, true)
}

// fail переводит текущий запуск в Failed
func (m *ConnectionManager) fail(runCtx context.Context, err error) error {
	m.mu.Lock()
	if m.runCtx != runCtx {
		m.mu.Unlock()
		return err
	}
	m.runCancel()
	m.runCtx, m.runCancel = nil, nil
	epoch := m.epoch
	m.setStateLocked(domain.StateFailed)
	onLost, onFailed := m.hooks.OnLost, m.hooks.OnFailed
	m.mu.Unlock()

	m.log.Error("Connection failed", "error", err)
	m.report("failed", false, err, 0)
	if onLost != nil {
		onLost(epoch, err)
	}
	if onFailed != nil {
		onFailed(err)
	}
	return err
}

// abort: вызывающий отменил Connect до установления соединения
func (m *ConnectionManager) abort(runCtx context.Context, cause error) error {
	m.mu.Lock()
	if m.runCtx == runCtx {
		m.runCancel()
		m.runCtx, m.runCancel = nil, nil
		m.setStateLocked(domain.StateDisconnected)
	}
	m.mu.Unlock()
	return apperrors.Connection("connect", cause, false)
}

func (m *ConnectionManager) setState(runCtx context.Context, s domain.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != runCtx || runCtx.Err() != nil {
		return
	}
	m.setStateLocked(s)
}

func (m *ConnectionManager) setStateLocked(s domain.ConnectionState) {
	if m.state == s {
		return
	}
	m.log.Debug("Connection state changed", "from", m.state.String(), "to", s.String())
	m.state = s
	m.states.Publish(s)
}

func (m *ConnectionManager) report(msg string, success bool, err error, d time.Duration) {
	ev := reporter.Event{
		Category: reporter.CategoryConnection,
		Message:  msg,
		Success:  success,
		Duration: d,
	}
	if err != nil {
		ev.Attributes = map[string]any{"error": err.Error()}
	}
	m.reporter.Report(ev)
}
