package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_sync/internal/domain"
	"chat_sync/internal/engine"
	"chat_sync/internal/transport"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

func startEngine(t *testing.T, relay *testRelay, userID string) *engine.Engine {
	t.Helper()
	opts := engine.DefaultOptions()
	opts.ServerURL = relay.wsURL
	opts.AuthToken = tokenFor(t, userID)
	opts.UserID = userID
	opts.AckTimeout = 2 * time.Second

	e, err := engine.New(context.Background(), opts, engine.Dependencies{
		Dialer: transport.NewWebSocketDialer(transport.WebSocketOptions{PingInterval: time.Second}, logger.Nop()),
		Logger: logger.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.Connect(waitCtx(t), "", ""))
	require.NoError(t, e.JoinRoom(waitCtx(t), general))
	return e
}

func lookup(t *testing.T, e *engine.Engine, id string) (domain.ChatMessage, bool) {
	msgs, err := e.Messages(context.Background(), general)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return domain.ChatMessage{}, false
}

func TestEnginesConvergeThroughRelay(t *testing.T) {
	relay := newTestRelay(t)
	alice := startEngine(t, relay, "alice")
	bob := startEngine(t, relay, "bob")
	ctx := waitCtx(t)

	msg, err := alice.Send(ctx, general, "", "hello", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m, ok := lookup(t, bob, msg.ID)
		return ok && m.ServerStamped && m.Text == "hello"
	}, 3*time.Second, 10*time.Millisecond)

	_, err = alice.Edit(ctx, general, msg.ID, "hello, bob")
	require.NoError(t, err)
	_, err = bob.React(ctx, general, msg.ID, "👍", true)
	require.NoError(t, err)

	converged := func(check func(domain.ChatMessage) bool) func() bool {
		return func() bool {
			a, okA := lookup(t, alice, msg.ID)
			b, okB := lookup(t, bob, msg.ID)
			return okA && okB && check(a) && check(b) && a.UpdatedAt.Equal(b.UpdatedAt)
		}
	}
	require.Eventually(t, converged(func(m domain.ChatMessage) bool {
		return m.Text == "hello, bob" && m.Edited && m.HasReaction("👍", "bob")
	}), 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Delete(ctx, general, msg.ID))
	require.Eventually(t, converged(func(m domain.ChatMessage) bool {
		return m.Deleted && m.Text == ""
	}), 3*time.Second, 10*time.Millisecond)

	assert.Zero(t, alice.OutboxSize())
	assert.Zero(t, bob.OutboxSize())
}

func TestEngineRejectedByRelayForForeignEdit(t *testing.T) {
	relay := newTestRelay(t)
	alice := startEngine(t, relay, "alice")
	ctx := waitCtx(t)

	// bob без UserID: локальной проверки автора нет, отказывает сервер
	opts := engine.DefaultOptions()
	opts.ServerURL = relay.wsURL
	opts.AuthToken = tokenFor(t, "bob")
	opts.AckTimeout = 2 * time.Second
	bob, err := engine.New(context.Background(), opts, engine.Dependencies{
		Dialer: transport.NewWebSocketDialer(transport.WebSocketOptions{}, logger.Nop()),
		Logger: logger.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bob.Close() })
	require.NoError(t, bob.Connect(ctx, "", ""))
	require.NoError(t, bob.JoinRoom(ctx, general))

	msg, err := alice.Send(ctx, general, "", "hello", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := lookup(t, bob, msg.ID)
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	_, err = bob.Edit(ctx, general, msg.ID, "hijack")
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)

	m, ok := lookup(t, bob, msg.ID)
	require.True(t, ok)
	assert.Equal(t, "hello", m.Text)
}
