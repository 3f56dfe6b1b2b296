package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat_sync/internal/domain"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	maxMessageSize          = 1 << 20
)

type WebSocketOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval 0 отключает keepalive
	PingInterval time.Duration
}

type webSocketDialer struct {
	opts WebSocketOptions
	log  logger.Logger
}

func NewWebSocketDialer(opts WebSocketOptions, log logger.Logger) Dialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &webSocketDialer{opts: opts, log: log}
}

func (d *webSocketDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, apperrors.Connection("dial", fmt.Errorf("%w: invalid server url %q", apperrors.ErrInvalidArgument, rawURL), true)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			d.log.Warn("Server rejected credentials", "url", u.Redacted(), "status", resp.StatusCode)
			return nil, apperrors.Connection("dial", fmt.Errorf("%w: status %d", apperrors.ErrAuthRejected, resp.StatusCode), true)
		}
		return nil, apperrors.Connection("dial", fmt.Errorf("%w: %v", apperrors.ErrNetwork, err), false)
	}

	return newWebSocketConn(conn, d.opts, d.log), nil
}

type webSocketConn struct {
	conn *websocket.Conn
	opts WebSocketOptions
	log  logger.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWebSocketConn(conn *websocket.Conn, opts WebSocketOptions, log logger.Logger) *webSocketConn {
	c := &webSocketConn{
		conn: conn,
		opts: opts,
		log:  log,
		done: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)

	if opts.PingInterval > 0 {
		pongWait := 2 * opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingLoop()
	}
	return c
}

func (c *webSocketConn) Send(ctx context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.Protocol("send", err)
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.Connection("send", fmt.Errorf("%w: %v", apperrors.ErrNetwork, err), false)
	}
	return nil
}

func (c *webSocketConn) Receive() (domain.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return domain.Envelope{}, apperrors.Connection("receive", fmt.Errorf("%w: %v", apperrors.ErrNetwork, err), false)
	}
	env, err := domain.DecodeEnvelope(data)
	if err != nil {
		return domain.Envelope{}, apperrors.Protocol("receive", fmt.Errorf("%w: %v", apperrors.ErrMalformedEnvelope, err))
	}
	return env, nil
}

func (c *webSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// pingLoop держит соединение живым; пропущенный pong истекает через read deadline
func (c *webSocketConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.log.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}
