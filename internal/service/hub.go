package service

import (
	"sync"

	"chat_sync/internal/domain"
	"chat_sync/pkg/logger"
)

// Peer - подключенный клиент, получающий события комнат
type Peer interface {
	UserID() string
	// Deliver не блокирует; false - буфер клиента переполнен
	Deliver(env domain.Envelope) bool
}

// RoomHub хранит членство соединений в комнатах и рассылает события
type RoomHub struct {
	mu    sync.RWMutex
	rooms map[string]map[Peer]struct{}
	peers map[Peer]map[string]struct{}
	log   logger.Logger
}

func NewRoomHub(log logger.Logger) *RoomHub {
	return &RoomHub{
		rooms: make(map[string]map[Peer]struct{}),
		peers: make(map[Peer]map[string]struct{}),
		log:   log.With("component", "room_hub"),
	}
}

func (h *RoomHub) Join(p Peer, roomKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[roomKey] == nil {
		h.rooms[roomKey] = make(map[Peer]struct{})
	}
	h.rooms[roomKey][p] = struct{}{}
	if h.peers[p] == nil {
		h.peers[p] = make(map[string]struct{})
	}
	h.peers[p][roomKey] = struct{}{}
}

func (h *RoomHub) Leave(p Peer, roomKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(p, roomKey)
}

func (h *RoomHub) leaveLocked(p Peer, roomKey string) {
	if set, ok := h.rooms[roomKey]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(h.rooms, roomKey)
		}
	}
	if set, ok := h.peers[p]; ok {
		delete(set, roomKey)
		if len(set) == 0 {
			delete(h.peers, p)
		}
	}
}

// Remove выводит соединение из всех комнат
func (h *RoomHub) Remove(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomKey := range h.peers[p] {
		h.leaveLocked(p, roomKey)
	}
}

func (h *RoomHub) IsMember(p Peer, roomKey string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomKey][p]
	return ok
}

// Broadcast рассылает событие всем участникам комнаты, включая отправителя.
// Медленный клиент теряет событие и догоняет его через историю.
func (h *RoomHub) Broadcast(roomKey string, env domain.Envelope) int {
	h.mu.RLock()
	members := make([]Peer, 0, len(h.rooms[roomKey]))
	for p := range h.rooms[roomKey] {
		members = append(members, p)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, p := range members {
		if p.Deliver(env) {
			delivered++
			continue
		}
		h.log.Warn("Dropped event for slow client",
			"room_id", roomKey,
			"user_id", p.UserID(),
			"message_id", env.MessageID,
		)
	}
	return delivered
}

func (h *RoomHub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
