package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/spf13/cobra"

	"chat_sync/internal/config"
	"chat_sync/internal/domain"
	"chat_sync/internal/engine"
	"chat_sync/internal/repository"
	"chat_sync/internal/transport"
	apperrors "chat_sync/pkg/errors"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

// loadConfig читает окружение и накладывает флаги командной строки
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		flag   string
		target *string
	}{
		{"server", &cfg.Engine.ServerURL},
		{"token", &cfg.Engine.AuthToken},
		{"user", &cfg.Engine.UserID},
		{"outbox", &cfg.Engine.OutboxPath},
		{"log-level", &cfg.Log.Level},
	}
	for _, o := range overrides {
		if v, _ := cmd.Flags().GetString(o.flag); v != "" {
			*o.target = v
		}
	}
	return cfg, nil
}

func openOutboxStore(path string, log logger.Logger) (repository.OutboxRepository, error) {
	if path == "" {
		return repository.NewMemoryOutboxRepository(), nil
	}
	return repository.OpenPebbleOutbox(path, vfs.Default, log)
}

type session struct {
	cfg    *config.Config
	engine *engine.Engine
	store  repository.OutboxRepository
	log    logger.Logger
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Engine.AuthToken == "" {
		return nil, fmt.Errorf("--token is required or set CHAT_AUTH_TOKEN")
	}

	log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.Log.Level)

	store, err := openOutboxStore(cfg.Engine.OutboxPath, log)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	e, err := engine.New(cmd.Context(), engine.OptionsFromConfig(cfg.Engine), engine.Dependencies{
		Dialer: transport.NewWebSocketDialer(transport.WebSocketOptions{
			WriteTimeout: cfg.Engine.WriteTimeout,
			PingInterval: cfg.Engine.PingInterval,
		}, log),
		OutboxStore: store,
		Logger:      log,
		Reporter:    reporter.NewMulti(reporter.NewLogListener(log)),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &session{cfg: cfg, engine: e, store: store, log: log}, nil
}

// start подключается и входит в комнату. С offlineOK недоступный сервер не ошибка:
// команды лягут в outbox и уйдут при следующем запуске.
func (s *session) start(ctx context.Context, ch domain.ChannelID, connectTimeout time.Duration, offlineOK bool) error {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err := s.engine.Connect(connectCtx, "", "")
	cancel()
	if err != nil {
		offline := offlineOK && (!apperrors.IsFatal(err) || errors.Is(err, apperrors.ErrConnectionFailed))
		if !offline {
			return err
		}
		s.log.Warn("Relay unreachable, working offline", "error", err)
		// из Failed команды не принимаются даже в outbox
		if err := s.engine.Disconnect(ctx); err != nil {
			return err
		}
	}
	return s.engine.JoinRoom(ctx, ch)
}

func (s *session) close() {
	if err := s.engine.Close(); err != nil {
		s.log.Warn("Engine stopped with error", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("Failed to close outbox", "error", err)
	}
}

// resolveChannel: --room принимает ключ комнаты, --dm - id собеседника
func resolveChannel(cmd *cobra.Command, self string) (domain.ChannelID, error) {
	room, _ := cmd.Flags().GetString("room")
	peer, _ := cmd.Flags().GetString("dm")

	switch {
	case room != "" && peer != "":
		return domain.ChannelID{}, fmt.Errorf("use either --room or --dm")
	case room != "":
		return domain.ParseChannelKey(room)
	case peer != "":
		if self == "" {
			return domain.ChannelID{}, fmt.Errorf("--dm requires --user or CHAT_USER_ID")
		}
		ch := domain.DirectChannel(self, peer)
		return ch, ch.Validate()
	default:
		return domain.ChannelID{}, fmt.Errorf("--room or --dm is required")
	}
}

func addChannelFlags(cmd *cobra.Command) {
	cmd.Flags().String("room", "", "room key, e.g. project:<project>/<category>/<channel>")
	cmd.Flags().String("dm", "", "user id of the direct-message peer")
}
