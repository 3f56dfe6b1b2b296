package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"chat_sync/internal/domain"
	"chat_sync/pkg/logger"
)

type fakePeer struct {
	id       string
	capacity int

	mu       sync.Mutex
	received []domain.Envelope
}

func (p *fakePeer) UserID() string { return p.id }

func (p *fakePeer) Deliver(env domain.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capacity > 0 && len(p.received) >= p.capacity {
		return false
	}
	p.received = append(p.received, env)
	return true
}

func (p *fakePeer) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.received))
	for _, env := range p.received {
		out = append(out, env.MessageID)
	}
	return out
}

func TestHubBroadcastReachesRoomMembersOnly(t *testing.T) {
	hub := NewRoomHub(logger.Nop())
	alice := &fakePeer{id: "alice"}
	bob := &fakePeer{id: "bob"}
	carol := &fakePeer{id: "carol"}
	dm := domain.DirectChannel("alice", "bob").Key()

	hub.Join(alice, general.Key())
	hub.Join(bob, general.Key())
	hub.Join(alice, dm)
	hub.Join(carol, "project:p2/x/y")

	assert.Equal(t, 2, hub.Broadcast(general.Key(), domain.Envelope{MessageID: "m1"}))
	assert.Equal(t, 1, hub.Broadcast(dm, domain.Envelope{MessageID: "m2"}))

	assert.Equal(t, []string{"m1", "m2"}, alice.ids())
	assert.Equal(t, []string{"m1"}, bob.ids())
	assert.Empty(t, carol.ids())
	assert.Equal(t, 3, hub.RoomCount())
}

func TestHubLeaveAndRemove(t *testing.T) {
	hub := NewRoomHub(logger.Nop())
	alice := &fakePeer{id: "alice"}
	hub.Join(alice, general.Key())
	hub.Join(alice, "dm:alice_bob")
	assert.True(t, hub.IsMember(alice, general.Key()))

	hub.Leave(alice, general.Key())
	assert.False(t, hub.IsMember(alice, general.Key()))
	assert.True(t, hub.IsMember(alice, "dm:alice_bob"))

	hub.Remove(alice)
	assert.False(t, hub.IsMember(alice, "dm:alice_bob"))
	assert.Zero(t, hub.RoomCount())
	assert.Zero(t, hub.Broadcast("dm:alice_bob", domain.Envelope{MessageID: "m1"}))
}

func TestHubSkipsSlowPeer(t *testing.T) {
	hub := NewRoomHub(logger.Nop())
	slow := &fakePeer{id: "slow", capacity: 1}
	fast := &fakePeer{id: "fast"}
	hub.Join(slow, general.Key())
	hub.Join(fast, general.Key())

	hub.Broadcast(general.Key(), domain.Envelope{MessageID: "m1"})
	delivered := hub.Broadcast(general.Key(), domain.Envelope{MessageID: "m2"})

	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"m1"}, slow.ids())
	assert.Equal(t, []string{"m1", "m2"}, fast.ids())
}
