package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"chat_sync/internal/domain"
	"chat_sync/pkg/logger"
)

// Ключи outbox: outbox:<seq, 20 цифр>, лексикографический порядок совпадает с Seq
const outboxKeyPrefix = "outbox:"

type pebbleOutboxRepository struct {
	db  *pebble.DB
	log logger.Logger
}

// OpenPebbleOutbox открывает (или создает) outbox на диске. fs == nil - обычная файловая система.
func OpenPebbleOutbox(path string, fs vfs.FS, log logger.Logger) (OutboxRepository, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		log.Error("Failed to open outbox store", "path", path, "error", err)
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	log.Info("Outbox store opened", "path", path)
	return &pebbleOutboxRepository{db: db, log: log}, nil
}

func outboxKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", outboxKeyPrefix, seq))
}

func (r *pebbleOutboxRepository) Load(ctx context.Context) ([]domain.OutboxEntry, error) {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(outboxKeyPrefix),
		UpperBound: []byte(outboxKeyPrefix + "~"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []domain.OutboxEntry
	for iter.First(); iter.Valid(); iter.Next() {
		var e domain.OutboxEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			r.log.Warn("Skipping corrupt outbox entry", "key", string(iter.Key()), "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *pebbleOutboxRepository) Put(ctx context.Context, entry domain.OutboxEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox entry: %w", err)
	}
	if err := r.db.Set(outboxKey(entry.Seq), data, pebble.Sync); err != nil {
		r.log.Error("Failed to persist outbox entry", "seq", entry.Seq, "error", err)
		return err
	}
	return nil
}

func (r *pebbleOutboxRepository) Delete(ctx context.Context, seq uint64) error {
	if err := r.db.Delete(outboxKey(seq), pebble.Sync); err != nil {
		r.log.Error("Failed to delete outbox entry", "seq", seq, "error", err)
		return err
	}
	return nil
}

func (r *pebbleOutboxRepository) Close() error {
	return r.db.Close()
}
