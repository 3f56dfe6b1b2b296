package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat_sync/internal/domain"
	"chat_sync/internal/repository"
	"chat_sync/internal/transport/transporttest"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

var testRoom = domain.ProjectChannel("p1", "general", "c1")

func fastRetry() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      50,
	}
}

// manualClock - часы, которые двигает тест; After работает по реальному времени
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

type engineFixture struct {
	engine   *Engine
	srv      *transporttest.Server
	messages repository.MessageRepository
	outbox   repository.OutboxRepository
	recorder *reporter.Recorder
}

type fixtureOption func(*Options, *Dependencies)

func newEngine(t *testing.T, srv *transporttest.Server, userID string, options ...fixtureOption) *engineFixture {
	t.Helper()

	opts := DefaultOptions()
	opts.ServerURL = "ws://relay.test/ws/chat"
	opts.AuthToken = "token-" + userID
	opts.UserID = userID
	opts.AckTimeout = time.Second
	opts.Reconnect = fastRetry()
	opts.ReplayRetry = RetryPolicy{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2}
	opts.ReplayRate = 1000
	opts.ReplayBurst = 100

	rec := &reporter.Recorder{}
	deps := Dependencies{
		Dialer:      srv,
		Messages:    repository.NewMemoryMessageRepository(),
		OutboxStore: repository.NewMemoryOutboxRepository(),
		Logger:      logger.Nop(),
		Reporter:    rec,
		NewID:       sequentialIDs(userID),
	}
	for _, o := range options {
		o(&opts, &deps)
	}

	e, err := New(context.Background(), opts, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &engineFixture{
		engine:   e,
		srv:      srv,
		messages: deps.Messages,
		outbox:   deps.OutboxStore,
		recorder: rec,
	}
}

func (f *engineFixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Connect(context.Background(), "", ""))
}

func (f *engineFixture) join(t *testing.T, ch domain.ChannelID) {
	t.Helper()
	require.NoError(t, f.engine.JoinRoom(context.Background(), ch))
	require.Eventually(t, func() bool { return f.engine.rooms.Ready(ch) }, waitFor, tick)
}

func (f *engineFixture) message(t *testing.T, ch domain.ChannelID, id string) *domain.ChatMessage {
	t.Helper()
	msg, err := f.engine.reconciler.Lookup(context.Background(), ch, id)
	require.NoError(t, err)
	return msg
}

func (f *engineFixture) stamped(ch domain.ChannelID, id string) bool {
	msg, err := f.engine.reconciler.Lookup(context.Background(), ch, id)
	return err == nil && msg.ServerStamped
}

func messageIDs(envs []domain.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.MessageID)
	}
	return out
}

func contents(envs []domain.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Content)
	}
	return out
}
