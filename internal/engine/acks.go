package engine

import (
	"context"
	"sync"
	"time"

	"chat_sync/internal/domain"
	apperrors "chat_sync/pkg/errors"
)

type ackResult struct {
	env domain.Envelope
	err error
}

type ackWaiter struct {
	key     string
	pending domain.PendingAck
	ch      chan ackResult
}

// ackTracker сопоставляет ack с ожидающими командами.
// Ack принимается только от того же соединения (epoch), через которое ушла команда.
type ackTracker struct {
	mu      sync.Mutex
	waiters map[string][]*ackWaiter
	clock   Clock
}

func newAckTracker(clock Clock) *ackTracker {
	return &ackTracker{
		waiters: make(map[string][]*ackWaiter),
		clock:   clock,
	}
}

func (t *ackTracker) register(env domain.Envelope, epoch uint64, timeout time.Duration) *ackWaiter {
	now := t.clock.Now()
	w := &ackWaiter{
		key: env.AckKey(),
		pending: domain.PendingAck{
			MessageID:   env.MessageID,
			CommandType: env.Action,
			SentAt:      now,
			TimeoutAt:   now.Add(timeout),
			Epoch:       epoch,
		},
		ch: make(chan ackResult, 1),
	}

	t.mu.Lock()
	t.waiters[w.key] = append(t.waiters[w.key], w)
	t.mu.Unlock()
	return w
}

// resolve доставляет ack первому ожидающему с тем же ключом и epoch
func (t *ackTracker) resolve(epoch uint64, env domain.Envelope) bool {
	key := env.AckKey()

	t.mu.Lock()
	list := t.waiters[key]
	var w *ackWaiter
	for i, candidate := range list {
		if candidate.pending.Epoch == epoch {
			w = candidate
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if w == nil {
		t.mu.Unlock()
		return false
	}
	t.setLocked(key, list)
	t.mu.Unlock()

	var err error
	if !env.Success {
		err = apperrors.FromCode(string(env.Action), env.ErrorCode, env.Error)
	}
	w.ch <- ackResult{env: env, err: err}
	return true
}

// cancel снимает ожидание; false - ack уже доставлен
func (t *ackTracker) cancel(w *ackWaiter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.waiters[w.key]
	for i, candidate := range list {
		if candidate == w {
			t.setLocked(w.key, append(list[:i:i], list[i+1:]...))
			return true
		}
	}
	return false
}

// failEpoch завершает все ожидания соединения с ошибкой
func (t *ackTracker) failEpoch(epoch uint64, err error) int {
	t.mu.Lock()
	var failed []*ackWaiter
	for key, list := range t.waiters {
		kept := list[:0:0]
		for _, w := range list {
			if w.pending.Epoch <= epoch {
				failed = append(failed, w)
			} else {
				kept = append(kept, w)
			}
		}
		t.setLocked(key, kept)
	}
	t.mu.Unlock()

	for _, w := range failed {
		w.ch <- ackResult{err: err}
	}
	return len(failed)
}

func (t *ackTracker) setLocked(key string, list []*ackWaiter) {
	if len(list) == 0 {
		delete(t.waiters, key)
		return
	}
	t.waiters[key] = list
}

// wait блокируется до ack, таймаута или отмены контекста
func (t *ackTracker) wait(ctx context.Context, w *ackWaiter) (domain.Envelope, error) {
	timeout := w.pending.TimeoutAt.Sub(t.clock.Now())
	if timeout < 0 {
		timeout = 0
	}

	select {
	case res := <-w.ch:
		return res.env, res.err
	case <-t.clock.After(timeout):
		if t.cancel(w) {
			return domain.Envelope{}, apperrors.Timeout(string(w.pending.CommandType))
		}
	case <-ctx.Done():
		if t.cancel(w) {
			return domain.Envelope{}, ctx.Err()
		}
	}
	// ack пришел одновременно с таймаутом
	res := <-w.ch
	return res.env, res.err
}

func (t *ackTracker) pending() []domain.PendingAck {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []domain.PendingAck
	for _, list := range t.waiters {
		for _, w := range list {
			out = append(out, w.pending)
		}
	}
	return out
}
