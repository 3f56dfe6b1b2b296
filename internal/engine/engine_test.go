package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_sync/internal/config"
	"chat_sync/internal/domain"
	"chat_sync/internal/repository"
	"chat_sync/internal/transport/transporttest"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
)

// swallowFirst пропускает первую команду action без ack; then вызывается вместо ответа
func swallowFirst(srv *transporttest.Server, action domain.Action, then func(sc *transporttest.ServerConn)) {
	var once sync.Once
	srv.SetHandler(func(sc *transporttest.ServerConn, env domain.Envelope) {
		swallowed := false
		if env.Action == action {
			once.Do(func() { swallowed = true })
		}
		if swallowed {
			if then != nil {
				then(sc)
			}
			return
		}
		srv.Relay(sc, env)
	})
}

func rejectAction(srv *transporttest.Server, action domain.Action, code string) {
	srv.SetHandler(func(sc *transporttest.ServerConn, env domain.Envelope) {
		if env.Action == action {
			_ = sc.Push(transporttest.RejectFor(env, code, "rejected by test"))
			return
		}
		srv.Relay(sc, env)
	})
}

func TestSendWhileConnected(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	alice.connect(t)
	alice.join(t, testRoom)

	msg, err := alice.engine.Send(context.Background(), testRoom, "", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice-1", msg.ID)
	assert.Equal(t, "alice", msg.SenderID)
	assert.True(t, msg.ServerStamped)
	assert.Zero(t, alice.engine.OutboxSize())
	assert.Len(t, srv.Commands(domain.ActionSend), 1)

	stored, err := alice.messages.Get(context.Background(), testRoom, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Text)
	assert.True(t, stored.ServerStamped)
}

func TestSendToUnjoinedRoom(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	alice.connect(t)

	_, err := alice.engine.Send(context.Background(), testRoom, "", "hello", nil)
	assert.ErrorIs(t, err, apperrors.ErrRoomNotJoined)
	assert.Empty(t, srv.Commands(domain.ActionSend))
}

func TestSendValidation(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	alice.connect(t)
	alice.join(t, testRoom)

	_, err := alice.engine.Send(context.Background(), testRoom, "", "   ", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	_, err = alice.engine.Send(context.Background(), testRoom, "mallory", "hi", nil)
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)

	msg, err := alice.engine.Send(context.Background(), testRoom, "", "", []domain.Attachment{{ID: "f1", Name: "a.png", URL: "https://cdn/a.png"}})
	require.NoError(t, err)
	assert.Len(t, msg.Attachments, 1)
}

func TestOfflineCommandsReplayInOrder(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	ctx := context.Background()

	require.NoError(t, alice.engine.JoinRoom(ctx, testRoom))
	for _, text := range []string{"A", "B", "C"} {
		msg, err := alice.engine.Send(ctx, testRoom, "", text, nil)
		require.NoError(t, err)
		assert.False(t, msg.ServerStamped)
	}
	assert.Equal(t, 3, alice.engine.OutboxSize())
	assert.Empty(t, srv.Received())

	alice.connect(t)
	require.Eventually(t, func() bool { return alice.engine.OutboxSize() == 0 }, waitFor, tick)

	sends := srv.Commands(domain.ActionSend)
	assert.Equal(t, []string{"A", "B", "C"}, contents(sends))

	received := srv.Received()
	require.NotEmpty(t, received)
	assert.Equal(t, domain.ActionJoin, received[0].Action, "room is joined before queued commands replay")

	for _, id := range []string{"alice-1", "alice-2", "alice-3"} {
		assert.True(t, alice.stamped(testRoom, id))
	}
}

func TestQueuedEditFoldsIntoSend(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	ctx := context.Background()

	require.NoError(t, alice.engine.JoinRoom(ctx, testRoom))
	msg, err := alice.engine.Send(ctx, testRoom, "", "draft", nil)
	require.NoError(t, err)
	edited, err := alice.engine.Edit(ctx, testRoom, msg.ID, "final")
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Text)
	assert.Equal(t, 1, alice.engine.OutboxSize())

	alice.connect(t)
	require.Eventually(t, func() bool { return alice.engine.OutboxSize() == 0 }, waitFor, tick)

	assert.Equal(t, []string{"final"}, contents(srv.Commands(domain.ActionSend)))
	assert.Empty(t, srv.Commands(domain.ActionEdit))

	require.Eventually(t, func() bool { return alice.stamped(testRoom, msg.ID) }, waitFor, tick)
	confirmed := alice.message(t, testRoom, msg.ID)
	assert.Equal(t, "final", confirmed.Text)
	assert.False(t, confirmed.Edited, "the server only ever saw the final text")
}

func TestAckTimeoutQueuesAndReplaysOnce(t *testing.T) {
	srv := transporttest.NewServer()
	swallowFirst(srv, domain.ActionSend, nil)
	alice := newEngine(t, srv, "alice", func(o *Options, _ *Dependencies) {
		o.AckTimeout = 50 * time.Millisecond
	})
	alice.connect(t)
	alice.join(t, testRoom)

	msg, err := alice.engine.Send(context.Background(), testRoom, "", "hello", nil)
	require.NoError(t, err, "unacknowledged send is queued, not failed")

	require.Eventually(t, func() bool {
		return alice.engine.OutboxSize() == 0 && alice.stamped(testRoom, msg.ID)
	}, waitFor, tick)

	sends := srv.Commands(domain.ActionSend)
	assert.Len(t, sends, 2)
	assert.Equal(t, []string{msg.ID, msg.ID}, messageIDs(sends))
}

func TestConnectionLossMidFlightReplaysAfterReconnect(t *testing.T) {
	srv := transporttest.NewServer()
	swallowFirst(srv, domain.ActionSend, func(sc *transporttest.ServerConn) { sc.Drop() })
	alice := newEngine(t, srv, "alice")
	alice.connect(t)
	alice.join(t, testRoom)

	msg, err := alice.engine.Send(context.Background(), testRoom, "", "hello", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return alice.engine.OutboxSize() == 0 && alice.stamped(testRoom, msg.ID)
	}, waitFor, tick)

	assert.Equal(t, 2, srv.Dials())
	assert.Len(t, srv.Commands(domain.ActionJoin), 2, "room is rejoined on the new connection")
	assert.Equal(t, []string{msg.ID, msg.ID}, messageIDs(srv.Commands(domain.ActionSend)))
	assert.Equal(t, domain.StateConnected, alice.engine.State())
}

func TestRedeliveredEventsAreIdempotent(t *testing.T) {
	srv := transporttest.NewServer()
	bob := newEngine(t, srv, "bob")
	bob.connect(t)
	bob.join(t, testRoom)
	conn := srv.Latest()

	event := domain.Envelope{
		Type:      domain.EnvelopeEvent,
		Action:    domain.ActionSend,
		MessageID: "m1",
		RoomID:    testRoom.Key(),
		SenderID:  "alice",
		Content:   "hello",
		Timestamp: srv.Stamp(),
	}
	require.NoError(t, conn.Push(event))
	require.Eventually(t, func() bool { return bob.stamped(testRoom, "m1") }, waitFor, tick)
	first := bob.message(t, testRoom, "m1")

	require.NoError(t, conn.Push(event))
	require.NoError(t, conn.Push(event))

	// маркер: событие, пришедшее после повторов, означает, что повторы уже обработаны
	marker := event
	marker.MessageID = "m2"
	require.NoError(t, conn.Push(marker))
	require.Eventually(t, func() bool { return bob.stamped(testRoom, "m2") }, waitFor, tick)

	assert.Equal(t, first, bob.message(t, testRoom, "m1"))
	msgs, err := bob.engine.Messages(context.Background(), testRoom)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestDirectChannelSharedByBothParticipants(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	bob := newEngine(t, srv, "bob")

	aliceDM := domain.DirectChannel("alice", "bob")
	bobDM := domain.DirectChannel("bob", "alice")
	require.Equal(t, aliceDM, bobDM)
	assert.Equal(t, "dm:alice_bob", aliceDM.Key())

	alice.connect(t)
	bob.connect(t)
	alice.join(t, aliceDM)
	bob.join(t, bobDM)

	view, cancel, err := bob.engine.MergedView(context.Background(), bobDM)
	require.NoError(t, err)
	defer cancel()

	msg, err := alice.engine.Send(context.Background(), aliceDM, "", "hi bob", nil)
	require.NoError(t, err)

	deadline := time.After(waitFor)
	for {
		select {
		case snapshot := <-view:
			if len(snapshot) == 1 && snapshot[0].ID == msg.ID {
				assert.Equal(t, "hi bob", snapshot[0].Text)
				assert.Equal(t, "alice", snapshot[0].SenderID)
				return
			}
		case <-deadline:
			t.Fatal("bob never saw the message")
		}
	}
}

func TestEditReactDeleteConvergeAcrossClients(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	bob := newEngine(t, srv, "bob")
	alice.connect(t)
	bob.connect(t)
	alice.join(t, testRoom)
	bob.join(t, testRoom)
	ctx := context.Background()

	msg, err := alice.engine.Send(ctx, testRoom, "", "hello", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.stamped(testRoom, msg.ID) }, waitFor, tick)

	_, err = alice.engine.Edit(ctx, testRoom, msg.ID, "hello, world")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m, err := bob.engine.reconciler.Lookup(ctx, testRoom, msg.ID)
		return err == nil && m.Text == "hello, world" && m.Edited
	}, waitFor, tick)

	_, err = bob.engine.React(ctx, testRoom, msg.ID, "🔥", true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m, err := alice.engine.reconciler.Lookup(ctx, testRoom, msg.ID)
		return err == nil && m.HasReaction("🔥", "bob")
	}, waitFor, tick)

	require.NoError(t, alice.engine.Delete(ctx, testRoom, msg.ID))
	require.NoError(t, alice.engine.Delete(ctx, testRoom, msg.ID), "deleting a tombstone is a no-op")
	require.Eventually(t, func() bool {
		m, err := bob.engine.reconciler.Lookup(ctx, testRoom, msg.ID)
		return err == nil && m.Deleted && m.Text == ""
	}, waitFor, tick)

	assert.Len(t, srv.Commands(domain.ActionDelete), 1)
	assert.Equal(t, alice.message(t, testRoom, msg.ID).UpdatedAt, bob.message(t, testRoom, msg.ID).UpdatedAt)
}

func TestOnlyAuthorMayEditOrDelete(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	bob := newEngine(t, srv, "bob")
	alice.connect(t)
	bob.connect(t)
	alice.join(t, testRoom)
	bob.join(t, testRoom)
	ctx := context.Background()

	msg, err := alice.engine.Send(ctx, testRoom, "", "mine", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.stamped(testRoom, msg.ID) }, waitFor, tick)

	_, err = bob.engine.Edit(ctx, testRoom, msg.ID, "hijacked")
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
	assert.ErrorIs(t, bob.engine.Delete(ctx, testRoom, msg.ID), apperrors.ErrPermissionDenied)

	assert.Empty(t, srv.Commands(domain.ActionEdit))
	assert.Empty(t, srv.Commands(domain.ActionDelete))
	assert.Equal(t, "mine", bob.message(t, testRoom, msg.ID).Text)
}

func TestServerRejectionRollsBackOptimisticEdit(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	alice.connect(t)
	alice.join(t, testRoom)
	ctx := context.Background()

	msg, err := alice.engine.Send(ctx, testRoom, "", "original", nil)
	require.NoError(t, err)

	rejectAction(srv, domain.ActionEdit, apperrors.CodePermissionDenied)
	_, err = alice.engine.Edit(ctx, testRoom, msg.ID, "changed")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
	assert.Equal(t, apperrors.KindApplication, apperrors.KindOf(err))

	current := alice.message(t, testRoom, msg.ID)
	assert.Equal(t, "original", current.Text)
	assert.False(t, current.Edited)
	assert.Zero(t, alice.engine.OutboxSize(), "rejected commands are not queued")
}

func TestRejectedEditKeepsRemoteDelete(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	alice.connect(t)
	alice.join(t, testRoom)
	ctx := context.Background()

	msg, err := alice.engine.Send(ctx, testRoom, "", "hello", nil)
	require.NoError(t, err)

	// сервер успел удалить сообщение: событие DELETE приходит раньше отказа в EDIT
	srv.SetHandler(func(sc *transporttest.ServerConn, env domain.Envelope) {
		if env.Action != domain.ActionEdit {
			srv.Relay(sc, env)
			return
		}
		_ = sc.Push(domain.Envelope{
			Type:      domain.EnvelopeEvent,
			Action:    domain.ActionDelete,
			MessageID: env.MessageID,
			RoomID:    env.RoomID,
			SenderID:  "alice",
			Timestamp: srv.Stamp(),
		})
		_ = sc.Push(transporttest.RejectFor(env, apperrors.CodeNotFound, "message deleted"))
	})

	_, err = alice.engine.Edit(ctx, testRoom, msg.ID, "edited")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	current := alice.message(t, testRoom, msg.ID)
	assert.True(t, current.Deleted)
	assert.Empty(t, current.Text)
	assert.True(t, current.ServerStamped)

	stored, err := alice.messages.Get(ctx, testRoom, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)
	assert.Empty(t, stored.Text)
}

func TestRejectedDeleteRestoresMessage(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	alice.connect(t)
	alice.join(t, testRoom)
	ctx := context.Background()

	msg, err := alice.engine.Send(ctx, testRoom, "", "keep me", nil)
	require.NoError(t, err)

	rejectAction(srv, domain.ActionDelete, apperrors.CodePermissionDenied)
	err = alice.engine.Delete(ctx, testRoom, msg.ID)
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)

	current := alice.message(t, testRoom, msg.ID)
	assert.False(t, current.Deleted)
	assert.Equal(t, "keep me", current.Text)
	assert.True(t, current.ServerStamped)
	assert.True(t, current.UpdatedAt.Equal(msg.UpdatedAt))
}

func TestRejectedReactionIsUndone(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	alice.connect(t)
	alice.join(t, testRoom)
	ctx := context.Background()

	msg, err := alice.engine.Send(ctx, testRoom, "", "react to me", nil)
	require.NoError(t, err)

	rejectAction(srv, domain.ActionReact, apperrors.CodePermissionDenied)
	_, err = alice.engine.React(ctx, testRoom, msg.ID, "👍", true)
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
	assert.False(t, alice.message(t, testRoom, msg.ID).HasReaction("👍", "alice"))
}

func TestEditUnknownMessage(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	alice.connect(t)
	alice.join(t, testRoom)

	_, err := alice.engine.Edit(context.Background(), testRoom, "missing", "x")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, alice.engine.Delete(context.Background(), testRoom, "missing"), apperrors.ErrNotFound)
}

func TestReplayRejectionIsReported(t *testing.T) {
	srv := transporttest.NewServer()
	rejectAction(srv, domain.ActionSend, apperrors.CodePermissionDenied)
	alice := newEngine(t, srv, "alice")
	ctx := context.Background()

	failures, cancel := alice.engine.ReplayFailures()
	defer cancel()

	require.NoError(t, alice.engine.JoinRoom(ctx, testRoom))
	msg, err := alice.engine.Send(ctx, testRoom, "", "queued", nil)
	require.NoError(t, err)

	alice.connect(t)
	select {
	case failure := <-failures:
		assert.Equal(t, msg.ID, failure.Entry.MessageID)
		assert.Equal(t, domain.CommandSend, failure.Entry.CommandType)
		assert.ErrorIs(t, failure.Err, apperrors.ErrPermissionDenied)
	case <-time.After(waitFor):
		t.Fatal("replay failure not reported")
	}

	assert.Zero(t, alice.engine.OutboxSize())
	_, err = alice.engine.reconciler.Lookup(ctx, testRoom, msg.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "rejected optimistic message is discarded")
}

func TestLeaveRoomDropsQueuedCommands(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	ctx := context.Background()

	failures, cancel := alice.engine.ReplayFailures()
	defer cancel()

	require.NoError(t, alice.engine.JoinRoom(ctx, testRoom))
	_, err := alice.engine.Send(ctx, testRoom, "", "never sent", nil)
	require.NoError(t, err)

	require.NoError(t, alice.engine.LeaveRoom(ctx, testRoom))
	assert.Zero(t, alice.engine.OutboxSize())

	select {
	case failure := <-failures:
		assert.ErrorIs(t, failure.Err, apperrors.ErrRoomNotJoined)
	case <-time.After(waitFor):
		t.Fatal("dropped command not reported")
	}
}

func TestFailedConnectionRejectsCommands(t *testing.T) {
	srv := transporttest.NewServer()
	srv.RejectAll(apperrors.Connection("dial", apperrors.ErrAuthRejected, true))
	alice := newEngine(t, srv, "alice")
	ctx := context.Background()

	require.Error(t, alice.engine.Connect(ctx, "", ""))
	assert.Equal(t, domain.StateFailed, alice.engine.State())

	require.NoError(t, alice.engine.JoinRoom(ctx, testRoom))
	_, err := alice.engine.Send(ctx, testRoom, "", "hello", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
	assert.ErrorIs(t, err, apperrors.ErrConnectionFailed)
	assert.Zero(t, alice.engine.OutboxSize())
}

func TestFailedConnectionReportsQueuedCommands(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	ctx := context.Background()
	failures, cancel := alice.engine.ReplayFailures()
	defer cancel()

	require.NoError(t, alice.engine.JoinRoom(ctx, testRoom))
	first, err := alice.engine.Send(ctx, testRoom, "", "one", nil)
	require.NoError(t, err)
	second, err := alice.engine.Send(ctx, testRoom, "", "two", nil)
	require.NoError(t, err)
	require.Equal(t, 2, alice.engine.OutboxSize())

	srv.RejectAll(apperrors.Connection("dial", apperrors.ErrAuthRejected, true))
	require.Error(t, alice.engine.Connect(ctx, "", ""))
	require.Equal(t, domain.StateFailed, alice.engine.State())

	var reported []string
	for len(reported) < 2 {
		select {
		case failure := <-failures:
			assert.ErrorIs(t, failure.Err, apperrors.ErrConnectionFailed)
			assert.True(t, apperrors.IsFatal(failure.Err))
			reported = append(reported, failure.Entry.MessageID)
		case <-time.After(waitFor):
			t.Fatalf("queued commands not reported, got %v", reported)
		}
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, reported)
	assert.Equal(t, 2, alice.engine.OutboxSize())

	srv.RejectAll(nil)
	require.NoError(t, alice.engine.Connect(ctx, "", ""))
	require.Eventually(t, func() bool { return alice.engine.OutboxSize() == 0 }, waitFor, tick)
	assert.Len(t, srv.Commands(domain.ActionSend), 2)
}

func TestMalformedEnvelopeIsIgnored(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	alice.connect(t)
	alice.join(t, testRoom)

	require.NoError(t, srv.Latest().PushMalformed())
	msg, err := alice.engine.Send(context.Background(), testRoom, "", "still here", nil)
	require.NoError(t, err)
	assert.True(t, msg.ServerStamped)
	assert.Equal(t, 1, srv.Dials())
	assert.Equal(t, domain.StateConnected, alice.engine.State())
}

func TestEngineDisconnectQueuesLaterCommands(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice")
	alice.connect(t)
	alice.join(t, testRoom)

	require.NoError(t, alice.engine.Disconnect(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StateDisconnected, alice.engine.State())
	assert.Equal(t, 1, srv.Dials())

	// после Disconnect команды копятся в outbox
	_, err := alice.engine.Send(context.Background(), testRoom, "", "later", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, alice.engine.OutboxSize())
	assert.Empty(t, srv.Commands(domain.ActionSend))
}

func TestStrictTeardownReportsPendingCommands(t *testing.T) {
	srv := transporttest.NewServer()
	alice := newEngine(t, srv, "alice", func(o *Options, _ *Dependencies) {
		o.Teardown = TeardownPolicy{Strict: true}
	})
	ctx := context.Background()

	require.NoError(t, alice.engine.JoinRoom(ctx, testRoom))
	_, err := alice.engine.Send(ctx, testRoom, "", "pending", nil)
	require.NoError(t, err)

	err = alice.engine.Disconnect(ctx)
	assert.ErrorIs(t, err, apperrors.ErrTeardownIncomplete)

	saved, err := alice.outbox.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, saved, 1, "pending commands stay persisted")
}

func TestTeardownWaitsForDrain(t *testing.T) {
	srv := transporttest.NewServer()
	swallowFirst(srv, domain.ActionSend, nil)
	alice := newEngine(t, srv, "alice", func(o *Options, _ *Dependencies) {
		o.AckTimeout = 30 * time.Millisecond
		o.Teardown = TeardownPolicy{DrainTimeout: waitFor, Strict: true}
	})
	alice.connect(t)
	alice.join(t, testRoom)

	_, err := alice.engine.Send(context.Background(), testRoom, "", "hello", nil)
	require.NoError(t, err)

	require.NoError(t, alice.engine.Disconnect(context.Background()))
	assert.Zero(t, alice.engine.OutboxSize())
	assert.Equal(t, domain.StateDisconnected, alice.engine.State())
}

func TestOutboxSurvivesRestart(t *testing.T) {
	srv := transporttest.NewServer()
	fs := vfs.NewMem()
	messages := repository.NewMemoryMessageRepository()
	ctx := context.Background()

	store, err := repository.OpenPebbleOutbox("outbox", fs, logger.Nop())
	require.NoError(t, err)
	first := newEngine(t, srv, "alice", func(_ *Options, d *Dependencies) {
		d.OutboxStore = store
		d.Messages = messages
	})
	require.NoError(t, first.engine.JoinRoom(ctx, testRoom))
	msg, err := first.engine.Send(ctx, testRoom, "", "written offline", nil)
	require.NoError(t, err)
	require.NoError(t, first.engine.Close())
	require.NoError(t, store.Close())

	reopened, err := repository.OpenPebbleOutbox("outbox", fs, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	second := newEngine(t, srv, "alice", func(_ *Options, d *Dependencies) {
		d.OutboxStore = reopened
		d.Messages = messages
	})
	assert.Equal(t, 1, second.engine.OutboxSize())

	second.connect(t)
	second.join(t, testRoom)
	require.Eventually(t, func() bool {
		return second.engine.OutboxSize() == 0 && second.stamped(testRoom, msg.ID)
	}, waitFor, tick)
	assert.Equal(t, []string{msg.ID}, messageIDs(srv.Commands(domain.ActionSend)))
}

func TestPendingAcksVisibleWhileWaiting(t *testing.T) {
	srv := transporttest.NewServer()
	swallowFirst(srv, domain.ActionSend, nil)
	alice := newEngine(t, srv, "alice", func(o *Options, _ *Dependencies) {
		o.AckTimeout = 200 * time.Millisecond
	})
	alice.connect(t)
	alice.join(t, testRoom)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = alice.engine.Send(context.Background(), testRoom, "", "slow", nil)
	}()

	require.Eventually(t, func() bool {
		pending := alice.engine.PendingAcks()
		return len(pending) == 1 && pending[0].CommandType == domain.ActionSend
	}, waitFor, tick)
	<-done
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.EngineConfig{
		ServerURL:      "ws://relay/ws/chat",
		UserID:         "alice",
		AckTimeout:     2 * time.Second,
		RoomBufferSize: 10,
		RoomBufferTTL:  time.Minute,
		ReplayRate:     5,
		ReplayBurst:    2,
		Reconnect: config.RetryConfig{
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			Multiplier:      3,
			Jitter:          0.1,
			MaxRetries:      4,
		},
		Teardown: config.TeardownConfig{DrainTimeout: time.Second, Strict: true},
	})

	assert.Equal(t, "ws://relay/ws/chat", opts.ServerURL)
	assert.Equal(t, 2*time.Second, opts.AckTimeout)
	assert.Equal(t, 4, opts.Reconnect.MaxRetries)
	assert.Equal(t, 3.0, opts.Reconnect.Multiplier)
	assert.Equal(t, 10, opts.RoomBufferSize)
	assert.True(t, opts.Teardown.Strict)
	assert.Equal(t, DefaultOptions().ReplayRetry, opts.ReplayRetry)
}
