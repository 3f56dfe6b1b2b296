package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chat_sync/internal/domain"
	"chat_sync/internal/middleware"
	"chat_sync/internal/service"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultWriteTimeout = 10 * time.Second
	clientSendBuffer    = 64
	maxFrameSize        = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // аутентификация по токену, не по origin
	},
}

type WebSocketOptions struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

type WebSocketHandler struct {
	chat service.ChatService
	hub  *service.RoomHub
	opts WebSocketOptions
	rep  reporter.Reporter
	log  logger.Logger
}

func NewWebSocketHandler(chat service.ChatService, hub *service.RoomHub, opts WebSocketOptions, rep reporter.Reporter, log logger.Logger) *WebSocketHandler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &WebSocketHandler{
		chat: chat,
		hub:  hub,
		opts: opts,
		rep:  rep,
		log:  log.With("component", "ws"),
	}
}

// HandleChat обслуживает одно соединение: команды читаются последовательно,
// ack уходит до рассылки события, поэтому отправитель видит ack раньше своего события.
func (h *WebSocketHandler) HandleChat(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated", "code": apperrors.CodeUnauthorized})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := newClient(conn, userID, h.opts, h.log)
	h.log.Info("Client connected", "user_id", userID, "remote", conn.RemoteAddr().String())
	go client.writePump()

	defer func() {
		h.hub.Remove(client)
		client.close()
		h.log.Info("Client disconnected", "user_id", userID)
	}()

	ctx := context.WithoutCancel(c.Request.Context())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("Connection closed unexpectedly", "user_id", userID, "error", err)
			}
			return
		}

		env, err := domain.DecodeEnvelope(data)
		if err != nil {
			h.log.Warn("Ignoring malformed frame", "user_id", userID, "error", err)
			continue
		}
		if env.Type != domain.EnvelopeCommand {
			continue
		}
		h.handle(ctx, client, env)
	}
}

func (h *WebSocketHandler) handle(ctx context.Context, client *wsClient, env domain.Envelope) {
	start := time.Now()
	var err error

	switch env.Action {
	case domain.ActionJoin:
		err = h.join(ctx, client, env)
	case domain.ActionLeave:
		h.hub.Leave(client, env.RoomID)
		h.reply(client, ack(env))
	default:
		err = h.apply(ctx, client, env)
	}

	if err != nil {
		h.reply(client, reject(env, err))
	}
	h.rep.Report(reporter.Event{
		Category: reporter.CategoryCommand,
		Message:  "relay " + strings.ToLower(string(env.Action)),
		Success:  err == nil,
		Duration: time.Since(start),
		Attributes: map[string]any{
			"room_id":    env.RoomID,
			"message_id": env.MessageID,
			"user_id":    client.userID,
		},
	})
}

func (h *WebSocketHandler) join(ctx context.Context, client *wsClient, env domain.Envelope) error {
	ch, err := domain.ParseChannelKey(env.RoomID)
	if err != nil {
		return apperrors.Application("join", apperrors.CodeInvalidArgument, err)
	}
	if err := h.chat.Authorize(ctx, client.userID, ch); err != nil {
		return err
	}
	h.hub.Join(client, ch.Key())
	h.reply(client, ack(env))
	return nil
}

func (h *WebSocketHandler) apply(ctx context.Context, client *wsClient, env domain.Envelope) error {
	if !h.hub.IsMember(client, env.RoomID) {
		return apperrors.Application(strings.ToLower(string(env.Action)), apperrors.CodeRoomNotJoined, apperrors.ErrRoomNotJoined)
	}

	res, err := h.chat.Apply(ctx, client.userID, env)
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindApplication {
			h.log.Error("Failed to apply command", "action", env.Action, "message_id", env.MessageID, "error", err)
		}
		return err
	}

	out := ack(env)
	out.SenderID = res.Message.SenderID
	out.Timestamp = domain.Millis(res.Stamp)
	out.CreatedAt = domain.Millis(res.Message.CreatedAt)
	if env.Action == domain.ActionSend || env.Action == domain.ActionEdit {
		out.Content = res.Message.Text
	}
	h.reply(client, out)

	if res.Changed {
		h.hub.Broadcast(env.RoomID, event(env, client.userID, res))
	}
	return nil
}

func (h *WebSocketHandler) reply(client *wsClient, env domain.Envelope) {
	if !client.Deliver(env) {
		// без ack клиент повторит команду по таймауту
		h.log.Warn("Dropped ack for slow client", "user_id", client.userID, "action", env.Action, "message_id", env.MessageID)
	}
}

func ack(env domain.Envelope) domain.Envelope {
	return domain.Envelope{
		Type:      domain.EnvelopeAck,
		Action:    env.Action,
		MessageID: env.MessageID,
		RoomID:    env.RoomID,
		Emoji:     env.Emoji,
		Add:       env.Add,
		Timestamp: time.Now().UnixMilli(),
		Success:   true,
	}
}

func reject(env domain.Envelope, err error) domain.Envelope {
	out := ack(env)
	out.Success = false
	out.ErrorCode = apperrors.CodeOf(err)
	if out.ErrorCode == apperrors.CodeInternal {
		out.Error = "internal error"
	} else {
		out.Error = err.Error()
	}
	return out
}

// event строит событие комнаты из серверного состояния сообщения
func event(env domain.Envelope, userID string, res service.Result) domain.Envelope {
	msg := res.Message
	out := domain.Envelope{
		Type:      domain.EnvelopeEvent,
		Action:    env.Action,
		MessageID: msg.ID,
		RoomID:    env.RoomID,
		SenderID:  msg.SenderID,
		Timestamp: domain.Millis(res.Stamp),
		CreatedAt: domain.Millis(msg.CreatedAt),
	}
	switch env.Action {
	case domain.ActionSend:
		out.Content = msg.Text
		out.Attachments = msg.Attachments
	case domain.ActionEdit:
		out.Content = msg.Text
	case domain.ActionReact:
		// для реакции senderId - автор реакции
		out.SenderID = userID
		out.Emoji = env.Emoji
		out.Add = env.Add
	}
	return out
}

// wsClient - серверный конец соединения; пишет только writePump
type wsClient struct {
	conn   *websocket.Conn
	userID string
	opts   WebSocketOptions
	log    logger.Logger

	send      chan domain.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, userID string, opts WebSocketOptions, log logger.Logger) *wsClient {
	c := &wsClient{
		conn:   conn,
		userID: userID,
		opts:   opts,
		log:    log,
		send:   make(chan domain.Envelope, clientSendBuffer),
		done:   make(chan struct{}),
	}

	pongWait := 2 * opts.PingInterval
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

func (c *wsClient) UserID() string { return c.userID }

func (c *wsClient) Deliver(env domain.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			data, err := json.Marshal(env)
			if err != nil {
				c.log.Error("Failed to encode envelope", "error", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("Write failed", "user_id", c.userID, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.log.Debug("Ping failed", "user_id", c.userID, "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
