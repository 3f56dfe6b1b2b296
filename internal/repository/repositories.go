package repository

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"chat_sync/pkg/logger"
)

type Repositories struct {
	Messages MessageRepository
}

// NewRepositories выбирает хранилище сообщений по имени бэкенда.
// db и rdb могут быть nil, если соответствующий бэкенд не выбран.
func NewRepositories(backend string, db *pgxpool.Pool, rdb *redis.Client, log logger.Logger) (*Repositories, error) {
	repos := &Repositories{}

	switch backend {
	case "", "memory":
		repos.Messages = NewMemoryMessageRepository()
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis backend selected without a client")
		}
		repos.Messages = NewRedisMessageRepository(rdb, log)
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres backend selected without a pool")
		}
		repos.Messages = NewPostgresMessageRepository(db, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}

	log.Info("Message repository initialized", "backend", backend)

	return repos, nil
}
