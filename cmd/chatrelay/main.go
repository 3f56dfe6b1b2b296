package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"chat_sync/internal/config"
	"chat_sync/internal/handler"
	"chat_sync/internal/middleware"
	"chat_sync/internal/repository"
	"chat_sync/internal/service"
	"chat_sync/pkg/logger"
	"chat_sync/pkg/reporter"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(cfg.Log.Level)

	var (
		dbPool *pgxpool.Pool
		rdb    *redis.Client
	)
	switch cfg.Store.Backend {
	case "postgres":
		dbPool, err = connectPostgres(cfg.Database)
		if err != nil {
			appLogger.Fatal("Failed to connect to database", "error", err)
		}
		defer dbPool.Close()
		appLogger.Info("Database connection established")

		if err := repository.EnsureSchema(context.Background(), dbPool); err != nil {
			appLogger.Fatal("Failed to prepare schema", "error", err)
		}

	case "redis":
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(context.Background()).Err(); err != nil {
			appLogger.Fatal("Failed to connect to Redis", "error", err)
		}
		appLogger.Info("Redis connection established")
	}

	repos, err := repository.NewRepositories(cfg.Store.Backend, dbPool, rdb, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize repositories", "error", err)
	}

	// Метрики: события relay и стандартные коллекторы процесса
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := reporter.NewMetricsListener(registry)
	if err != nil {
		appLogger.Fatal("Failed to register metrics", "error", err)
	}
	events := reporter.NewMulti(metrics)

	services := service.NewServices(repos, appLogger)
	handlers := handler.NewHandlers(services, cfg, registry, events, appLogger)

	router := handler.NewRouter(handler.RouterDeps{
		Handlers:    handlers,
		Auth:        middleware.NewAuthMiddleware(cfg.JWT.Secret, appLogger),
		RateLimit:   middleware.NewRateLimitMiddleware(cfg.Server.ConnectRPS, cfg.Server.ConnectBurst, appLogger),
		Environment: cfg.Environment,
		Log:         appLogger,
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout не задан: он оборвал бы долгоживущие websocket-соединения
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting server", "addr", srv.Addr, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatal("Server forced to shutdown", "error", err)
	}

	appLogger.Info("Server exited")
}

func connectPostgres(cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MaxConnIdleTime = cfg.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
