package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_sync/internal/config"
	"chat_sync/internal/domain"
	"chat_sync/internal/middleware"
	"chat_sync/internal/repository"
	"chat_sync/internal/service"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/jwt"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

const testSecret = "test-secret"

var general = domain.ProjectChannel("p1", "general", "c1")

type testRelay struct {
	server *httptest.Server
	wsURL  string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{WriteTimeout: time.Second, ConnectRPS: 1000, ConnectBurst: 1000},
		JWT:         config.JWTConfig{Secret: testSecret, Issuer: "chat-relay"},
		Engine:      config.EngineConfig{PingInterval: time.Second},
	}

	repos, err := repository.NewRepositories("memory", nil, nil, logger.Nop())
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics, err := reporter.NewMetricsListener(registry)
	require.NoError(t, err)

	handlers := NewHandlers(service.NewServices(repos, logger.Nop()), cfg, registry, reporter.NewMulti(metrics), logger.Nop())
	router := NewRouter(RouterDeps{
		Handlers:    handlers,
		Auth:        middleware.NewAuthMiddleware(cfg.JWT.Secret, logger.Nop()),
		RateLimit:   middleware.NewRateLimitMiddleware(cfg.Server.ConnectRPS, cfg.Server.ConnectBurst, logger.Nop()),
		Environment: cfg.Environment,
		Log:         logger.Nop(),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testRelay{
		server: srv,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat",
	}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.Issue(testSecret, "chat-relay", userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (r *testRelay) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, env domain.Envelope) {
	t.Helper()
	env.Type = domain.EnvelopeCommand
	require.NoError(t, conn.WriteJSON(env))
}

func read(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env domain.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func join(t *testing.T, conn *websocket.Conn, ch domain.ChannelID) {
	t.Helper()
	write(t, conn, domain.Envelope{Action: domain.ActionJoin, RoomID: ch.Key()})
	ack := read(t, conn)
	require.Equal(t, domain.EnvelopeAck, ack.Type)
	require.True(t, ack.Success, ack.Error)
}

func send(id, sender, content string) domain.Envelope {
	return domain.Envelope{Action: domain.ActionSend, RoomID: general.Key(), MessageID: id, SenderID: sender, Content: content}
}

func TestHandshakeRequiresToken(t *testing.T) {
	relay := newTestRelay(t)

	_, resp, err := websocket.DefaultDialer.Dial(relay.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-token")
	_, resp, err = websocket.DefaultDialer.Dial(relay.wsURL, header)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeAcceptsQueryToken(t *testing.T) {
	relay := newTestRelay(t)
	conn, _, err := websocket.DefaultDialer.Dial(relay.wsURL+"?access_token="+tokenFor(t, "alice"), nil)
	require.NoError(t, err)
	defer conn.Close()
	join(t, conn, general)
}

func TestSendIsAckedAndBroadcast(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice")
	bob := relay.dial(t, "bob")
	join(t, alice, general)
	join(t, bob, general)

	write(t, alice, send("m1", "alice", "hello"))

	ack := read(t, alice)
	assert.Equal(t, domain.EnvelopeAck, ack.Type)
	assert.True(t, ack.Success)
	assert.Equal(t, "m1", ack.MessageID)
	assert.Positive(t, ack.Timestamp)
	assert.Equal(t, ack.Timestamp, ack.CreatedAt)
	assert.Equal(t, "hello", ack.Content)

	// отправитель тоже получает событие, после ack
	own := read(t, alice)
	assert.Equal(t, domain.EnvelopeEvent, own.Type)

	ev := read(t, bob)
	assert.Equal(t, domain.EnvelopeEvent, ev.Type)
	assert.Equal(t, domain.ActionSend, ev.Action)
	assert.Equal(t, "alice", ev.SenderID)
	assert.Equal(t, "hello", ev.Content)
	assert.Equal(t, ack.Timestamp, ev.Timestamp)
}

func TestDuplicateSendIsNotRebroadcast(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice")
	bob := relay.dial(t, "bob")
	join(t, alice, general)
	join(t, bob, general)

	write(t, alice, send("m1", "alice", "hello"))
	first := read(t, alice)
	read(t, alice) // событие

	write(t, alice, send("m1", "alice", "hello"))
	again := read(t, alice)
	assert.True(t, again.Success)
	assert.Equal(t, first.Timestamp, again.Timestamp)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)

	write(t, alice, send("m2", "alice", "second"))
	assert.Equal(t, "m1", read(t, bob).MessageID)
	assert.Equal(t, "m2", read(t, bob).MessageID, "duplicate must not reach other members")
}

func TestCommandOutsideJoinedRoomIsRejected(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice")

	write(t, alice, send("m1", "alice", "hello"))
	ack := read(t, alice)
	assert.False(t, ack.Success)
	assert.Equal(t, apperrors.CodeRoomNotJoined, ack.ErrorCode)

	join(t, alice, general)
	write(t, alice, domain.Envelope{Action: domain.ActionLeave, RoomID: general.Key()})
	assert.True(t, read(t, alice).Success)

	write(t, alice, send("m1", "alice", "hello"))
	assert.Equal(t, apperrors.CodeRoomNotJoined, read(t, alice).ErrorCode)
}

func TestDirectChannelRejectsOutsider(t *testing.T) {
	relay := newTestRelay(t)
	carol := relay.dial(t, "carol")

	dm := domain.DirectChannel("alice", "bob")
	write(t, carol, domain.Envelope{Action: domain.ActionJoin, RoomID: dm.Key()})
	ack := read(t, carol)
	assert.False(t, ack.Success)
	assert.Equal(t, apperrors.CodePermissionDenied, ack.ErrorCode)

	bob := relay.dial(t, "bob")
	join(t, bob, dm)
}

func TestEditByAnotherUserIsRejected(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice")
	bob := relay.dial(t, "bob")
	join(t, alice, general)
	join(t, bob, general)

	write(t, alice, send("m1", "alice", "hello"))
	read(t, alice)
	read(t, alice)
	read(t, bob)

	write(t, bob, domain.Envelope{Action: domain.ActionEdit, RoomID: general.Key(), MessageID: "m1", SenderID: "bob", Content: "hijack"})
	ack := read(t, bob)
	assert.False(t, ack.Success)
	assert.Equal(t, apperrors.CodePermissionDenied, ack.ErrorCode)

	write(t, bob, domain.Envelope{Action: domain.ActionDelete, RoomID: general.Key(), MessageID: "missing"})
	assert.Equal(t, apperrors.CodeNotFound, read(t, bob).ErrorCode)
}

func TestReactionEventCarriesReactor(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice")
	bob := relay.dial(t, "bob")
	join(t, alice, general)
	join(t, bob, general)

	write(t, alice, send("m1", "alice", "hello"))
	read(t, alice)
	read(t, alice)
	read(t, bob)

	write(t, bob, domain.Envelope{Action: domain.ActionReact, RoomID: general.Key(), MessageID: "m1", Emoji: "👍", Add: true})
	ack := read(t, bob)
	assert.True(t, ack.Success)
	assert.Equal(t, "👍", ack.Emoji)

	ev := read(t, alice)
	assert.Equal(t, domain.ActionReact, ev.Action)
	assert.Equal(t, "bob", ev.SenderID)
	assert.Equal(t, "👍", ev.Emoji)
	assert.True(t, ev.Add)
}

func TestMalformedFrameIsIgnored(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"command","action":"PIN","roomId":"x"}`)))
	join(t, alice, general)
}

func TestHistoryEndpoint(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice")
	join(t, alice, general)
	write(t, alice, send("m1", "alice", "hello"))
	require.True(t, read(t, alice).Success)

	get := func(userID, room string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, relay.server.URL+"/api/v1/messages?room="+room, nil)
		require.NoError(t, err)
		if userID != "" {
			req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := get("bob", general.Key())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		RoomID   string               `json:"roomId"`
		Messages []domain.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, general.Key(), body.RoomID)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "hello", body.Messages[0].Text)

	assert.Equal(t, http.StatusUnauthorized, get("", general.Key()).StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("bob", "nowhere").StatusCode)
	assert.Equal(t, http.StatusForbidden, get("carol", domain.DirectChannel("alice", "bob").Key()).StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.dial(t, "alice")
	join(t, alice, general)

	resp, err := http.Get(relay.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := http.Get(relay.server.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	data, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `chat_sync_events_total{category="command",success="true"}`)
}

func TestHandshakeIsRateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := middleware.NewRateLimitMiddleware(1, 2, logger.Nop())
	router := gin.New()
	router.GET("/ws/chat", limiter.Limit(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/chat", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
