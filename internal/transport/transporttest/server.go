// Package transporttest содержит сервер чата в памяти для тестов движка.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chat_sync/internal/domain"
	"chat_sync/internal/transport"
	apperrors "chat_sync/pkg/errors"
)

// Handler обрабатывает команду клиента. Вызывается синхронно из Send.
type Handler func(sc *ServerConn, env domain.Envelope)

type Server struct {
	mu        sync.Mutex
	handler   Handler
	conns     []*ServerConn
	dials     int
	dialErrs  []error
	rejectErr error
	received  []domain.Envelope
	rooms     map[string]map[*ServerConn]bool
	created   map[string]int64
	lastStamp int64
	connected chan *ServerConn
}

var _ transport.Dialer = (*Server)(nil)

func NewServer() *Server {
	s := &Server{
		rooms:     make(map[string]map[*ServerConn]bool),
		created:   make(map[string]int64),
		connected: make(chan *ServerConn, 64),
	}
	s.handler = s.Relay
	return s
}

func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		h = s.Relay
	}
	s.handler = h
}

// FailNextDials: следующие дозвоны по очереди завершатся этими ошибками
func (s *Server) FailNextDials(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErrs = append(s.dialErrs, errs...)
}

// RejectAll: все дозвоны отклоняются, пока не вызван RejectAll(nil)
func (s *Server) RejectAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectErr = err
}

func (s *Server) Dial(ctx context.Context, url, token string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.dials++
	if s.rejectErr != nil {
		err := s.rejectErr
		s.mu.Unlock()
		return nil, err
	}
	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	sc := &ServerConn{
		srv:    s,
		token:  token,
		inbox:  make(chan inbound, 1024),
		closed: make(chan struct{}),
	}
	s.conns = append(s.conns, sc)
	s.mu.Unlock()

	select {
	case s.connected <- sc:
	default:
	}
	return &clientConn{sc: sc}, nil
}

func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Connected отдает серверные концы новых соединений по мере дозвона
func (s *Server) Connected() <-chan *ServerConn {
	return s.connected
}

func (s *Server) Latest() *ServerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Received возвращает все команды, полученные сервером, в порядке прихода
func (s *Server) Received() []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Envelope, len(s.received))
	copy(out, s.received)
	return out
}

func (s *Server) Commands(action domain.Action) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range s.Received() {
		if env.Action == action {
			out = append(out, env)
		}
	}
	return out
}

// DropAll имитирует потерю сети на всех соединениях
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*ServerConn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	for _, sc := range conns {
		sc.Drop()
	}
}

// Stamp выдает строго возрастающее серверное время в миллисекундах
func (s *Server) Stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stampLocked()
}

func (s *Server) stampLocked() int64 {
	now := time.Now().UnixMilli()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

// Broadcast рассылает событие всем соединениям, вошедшим в комнату
func (s *Server) Broadcast(roomKey string, env domain.Envelope) {
	s.mu.Lock()
	var members []*ServerConn
	for sc := range s.rooms[roomKey] {
		members = append(members, sc)
	}
	s.mu.Unlock()

	for _, sc := range members {
		_ = sc.Push(env)
	}
}

// Relay - обработчик по умолчанию: подтверждает все команды и рассылает события участникам комнаты.
// Повторный SEND с тем же id подтверждается без повторной рассылки.
func (s *Server) Relay(sc *ServerConn, env domain.Envelope) {
	ack := AckFor(env)

	switch env.Action {
	case domain.ActionJoin:
		s.mu.Lock()
		if s.rooms[env.RoomID] == nil {
			s.rooms[env.RoomID] = make(map[*ServerConn]bool)
		}
		s.rooms[env.RoomID][sc] = true
		s.mu.Unlock()
		_ = sc.Push(ack)
		return
	case domain.ActionLeave:
		s.mu.Lock()
		delete(s.rooms[env.RoomID], sc)
		s.mu.Unlock()
		_ = sc.Push(ack)
		return
	}

	s.mu.Lock()
	stamp := s.stampLocked()
	duplicate := false
	if env.Action == domain.ActionSend {
		key := env.RoomID + "|" + env.MessageID
		if created, ok := s.created[key]; ok {
			stamp = created
			duplicate = true
		} else {
			s.created[key] = stamp
		}
		ack.CreatedAt = stamp
	}
	s.mu.Unlock()

	ack.Timestamp = stamp
	_ = sc.Push(ack)
	if duplicate {
		return
	}

	event := env
	event.Type = domain.EnvelopeEvent
	event.Timestamp = stamp
	event.CreatedAt = ack.CreatedAt
	s.Broadcast(env.RoomID, event)
}

func (s *Server) receive(sc *ServerConn, env domain.Envelope) {
	s.mu.Lock()
	s.received = append(s.received, env)
	h := s.handler
	s.mu.Unlock()

	h(sc, env)
}

func (s *Server) forget(sc *ServerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, members := range s.rooms {
		delete(members, sc)
	}
}

// AckFor строит успешный ack на команду
func AckFor(env domain.Envelope) domain.Envelope {
	ack := env
	ack.Type = domain.EnvelopeAck
	ack.Success = true
	ack.Error = ""
	ack.ErrorCode = ""
	return ack
}

// RejectFor строит отрицательный ack с кодом ошибки
func RejectFor(env domain.Envelope, code, message string) domain.Envelope {
	ack := AckFor(env)
	ack.Success = false
	ack.ErrorCode = code
	ack.Error = message
	return ack
}

type inbound struct {
	env domain.Envelope
	err error
}

// ServerConn - серверный конец соединения
type ServerConn struct {
	srv       *Server
	token     string
	inbox     chan inbound
	closed    chan struct{}
	closeOnce sync.Once
}

func (sc *ServerConn) Token() string { return sc.token }

// Push доставляет конверт клиенту
func (sc *ServerConn) Push(env domain.Envelope) error {
	return sc.push(inbound{env: env})
}

// PushMalformed доставляет клиенту нераспознаваемый кадр
func (sc *ServerConn) PushMalformed() error {
	return sc.push(inbound{err: apperrors.Protocol("receive", apperrors.ErrMalformedEnvelope)})
}

func (sc *ServerConn) push(in inbound) error {
	select {
	case <-sc.closed:
		return fmt.Errorf("connection closed")
	default:
	}
	select {
	case sc.inbox <- in:
		return nil
	case <-sc.closed:
		return fmt.Errorf("connection closed")
	}
}

// Drop обрывает соединение со стороны сервера
func (sc *ServerConn) Drop() {
	sc.closeOnce.Do(func() {
		close(sc.closed)
		sc.srv.forget(sc)
	})
}

func (sc *ServerConn) Closed() bool {
	select {
	case <-sc.closed:
		return true
	default:
		return false
	}
}

type clientConn struct {
	sc *ServerConn
}

func (c *clientConn) Send(ctx context.Context, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.sc.Closed() {
		return apperrors.Connection("send", apperrors.ErrNetwork, false)
	}
	c.sc.srv.receive(c.sc, env)
	return nil
}

func (c *clientConn) Receive() (domain.Envelope, error) {
	// сначала отдаем то, что уже доставлено
	select {
	case in := <-c.sc.inbox:
		return in.env, in.err
	default:
	}
	select {
	case in := <-c.sc.inbox:
		return in.env, in.err
	case <-c.sc.closed:
		return domain.Envelope{}, apperrors.Connection("receive", apperrors.ErrNetwork, false)
	}
}

func (c *clientConn) Close() error {
	c.sc.Drop()
	return nil
}
