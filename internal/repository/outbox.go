package repository

import (
	"context"
	"sort"
	"sync"

	"chat_sync/internal/domain"
)

// OutboxRepository сохраняет очередь неотправленных команд между перезапусками
type OutboxRepository interface {
	// Load возвращает записи по возрастанию Seq
	Load(ctx context.Context) ([]domain.OutboxEntry, error)
	Put(ctx context.Context, entry domain.OutboxEntry) error
	Delete(ctx context.Context, seq uint64) error
	Close() error
}

type memoryOutboxRepository struct {
	mu      sync.Mutex
	entries map[uint64]domain.OutboxEntry
}

func NewMemoryOutboxRepository() OutboxRepository {
	return &memoryOutboxRepository{entries: make(map[uint64]domain.OutboxEntry)}
}

func (r *memoryOutboxRepository) Load(ctx context.Context) ([]domain.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.OutboxEntry, 0, len(r.entries))
	for _, e := range r.entries {
		e.InFlight = false
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *memoryOutboxRepository) Put(ctx context.Context, entry domain.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Seq] = entry
	return nil
}

func (r *memoryOutboxRepository) Delete(ctx context.Context, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, seq)
	return nil
}

func (r *memoryOutboxRepository) Close() error { return nil }
