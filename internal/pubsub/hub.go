package pubsub

import (
	"sync"
)

// Hub рассылает значения подписчикам. Публикация никогда не блокируется:
// если буфер подписчика заполнен, самое старое значение вытесняется.
// С буфером 1 подписчик всегда видит последнее значение.
type Hub[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]chan T
	nextID  uint64
	buffer  int
	last    T
	hasLast bool
	replay  bool
	closed  bool
}

// New: replayLast - новый подписчик сразу получает последнее опубликованное значение
func New[T any](buffer int, replayLast bool) *Hub[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
		replay: replayLast,
	}
}

func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	if h.replay && h.hasLast {
		ch <- h.last
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = v
	h.hasLast = true
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
			// вытесняем самое старое значение
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

func (h *Hub[T]) Last() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.hasLast
}

func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close закрывает все каналы подписчиков; последующие Publish игнорируются
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
