package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/shadowflow/internal/auth"
	"github.com/BuzzLyutic/shadowflow/internal/config"
	"github.com/BuzzLyutic/shadowflow/internal/handler"
	"github.com/BuzzLyutic/shadowflow/internal/realtime"
	"github.com/BuzzLyutic/shadowflow/internal/repo"
	"github.com/BuzzLyutic/shadowflow/internal/service"
	"github.com/BuzzLyutic/shadowflow/internal/worker"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load(".")
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	// Подключаем логгер
	logger := config.NewLogger(cfg.LogFile, false)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, closeStore := openRepository(ctx, cfg, logger)
	defer closeStore()

	hub := realtime.NewHub(logger, realtime.DefaultBuffer)
	var changes realtime.Publisher = hub
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		relay := realtime.NewRedisRelay(rdb, cfg.RedisChannel, hub, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("Redis relay stopped", zap.Error(err))
			}
		}()
		changes = relay
	}

	// Пул воркеров для исходящих вебхуков
	pool := worker.NewPool(&http.Client{Timeout: 10 * time.Second}, logger, cfg.WorkerCount)
	pool.Start(context.Background())

	svc := service.NewTaskService(store, changes, pool, service.Webhooks{
		EnrichmentURL:     cfg.EnrichmentWebhookURL,
		NotifyURL:         cfg.NotifyWebhookURL,
		EnrichDoneMessage: cfg.EnrichDoneMessage,
	}, logger)

	r := chi.NewRouter() // Создаем роутер
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	handler.NewTaskHandler(svc, hub, cfg.Heartbeat, logger).
		Routes(r, auth.NewIssuer(cfg.JWTSecret), cfg.InternalAPIKey)

	srv := http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() { // Запуск сервера и обработка ошибок
		logger.Info("Server started", zap.String("addr", srv.Addr), zap.String("storage", cfg.Storage))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info("Shutting down server...")

	// потоки изменений иначе держат Shutdown до таймаута
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	pool.Stop()
	logger.Info("Server stopped successfully!")
}

func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (repo.Repository, func()) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("Using in-memory storage, data is lost on restart")
		return repo.NewMemoryRepo(), func() {}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL) // Создаем новое соединение к БД
	if err != nil {
		logger.Fatal("Failed to connect to Database", zap.Error(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		logger.Fatal("Failed to ping the Database", zap.Error(err))
	}
	logger.Info("Successfully connected to the Database!")
	return repo.NewTaskRepo(pool), pool.Close
}
