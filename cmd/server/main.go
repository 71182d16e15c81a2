package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/reward-ledger/internal/config"
	"github.com/ignatzorin/reward-ledger/internal/db"
	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/goroutine"
	httpHandlers "github.com/ignatzorin/reward-ledger/internal/http/handlers"
	"github.com/ignatzorin/reward-ledger/internal/http/middleware"
	httpRouter "github.com/ignatzorin/reward-ledger/internal/http/router"
	"github.com/ignatzorin/reward-ledger/internal/infrastructure/events"
	"github.com/ignatzorin/reward-ledger/internal/infrastructure/lock"
	"github.com/ignatzorin/reward-ledger/internal/logger"
	"github.com/ignatzorin/reward-ledger/internal/repository"
	"github.com/ignatzorin/reward-ledger/internal/repository/memory"
	"github.com/ignatzorin/reward-ledger/internal/service"
	"github.com/ignatzorin/reward-ledger/internal/ws"
)

const budgetPassLockKey = "ledger:budget-guardian:pass"

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.Env)
	goroutine.SetDefaultLogger(logger.RecoveryLogger{})
	mainLog := logger.Component("main")

	// Хранилище леджера.
	var (
		dbConn        *sqlx.DB
		store         domainrepo.LedgerStore
		users         service.UserDirectory
		notifications service.NotificationRepository
	)
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		dbConn, err = db.NewPostgres(ctx, cfg.DatabaseURL, db.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			mainLog.WithError(err).Fatal("ошибка подключения к базе")
		}
		defer safeClose(dbConn)

		if err := db.RunMigrations(ctx, dbConn, cfg.MigrationsPath); err != nil {
			mainLog.WithError(err).Fatal("ошибка миграций")
		}

		store = repository.NewLedgerRepository(dbConn)
		users = repository.NewUserRepository(dbConn)
		notifications = repository.NewNotificationRepository(dbConn)
	case config.StorageDriverMemory:
		mem := memory.NewStore()
		store, users, notifications = mem, mem, mem
		mainLog.Warn("используется in-memory хранилище, данные не сохраняются между запусками")
	}

	// Redis опционален: общий лимит запросов и блокировка прохода бюджетов между репликами.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			mainLog.WithError(err).Fatal("ошибка подключения к redis")
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				mainLog.WithError(err).Warn("ошибка закрытия redis")
			}
		}()
	}

	// Вебсокеты.
	hub := ws.NewHub()
	goroutine.SafeGoWithContext(ctx, hub.Run)

	var publisher service.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				mainLog.WithError(err).Warn("ошибка закрытия kafka writer")
			}
		}()
		publisher = kafkaPublisher
		mainLog.WithFields(logrus.Fields{
			"brokers": cfg.KafkaBrokers,
			"topic":   cfg.KafkaTopic,
		}).Info("публикация событий в kafka включена")
	}

	// Сервисы.
	notificationService := service.NewNotificationService(notifications, hub, publisher)
	cache := service.NewCacheService(ctx)
	ledgerService := service.NewLedgerService(store)
	escrowService := service.NewEscrowService(ledgerService, users, notificationService, cfg.Policy)
	rewardService := service.NewRewardService(ledgerService, users, notificationService, nil, cache, cfg.Policy, cfg.Location)
	tokenManager := service.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL)

	guardian := service.NewBudgetGuardian(store, notificationService, cfg.Policy, cfg.Location, cfg.BudgetCheckInterval)
	if redisClient != nil {
		guardian.SetPassLock(lock.NewRedisPassLock(redisClient, budgetPassLockKey, cfg.BudgetCheckInterval))
	}
	guardian.Start(ctx)

	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitLimit, cfg.RateLimitPeriod, redisClient)
	if err != nil {
		mainLog.WithError(err).Fatal("ошибка создания лимитера")
	}

	// Роутер.
	engine := httpRouter.SetupRouter(cfg, httpRouter.Handlers{
		Health: httpHandlers.NewHealthHandler(dbConn, redisClient),
		WS:     httpHandlers.NewWSHandler(hub, tokenManager),
		Ledger: httpHandlers.NewLedgerHandler(ledgerService, escrowService, rewardService, users),
	}, tokenManager, rateLimiter)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			mainLog.WithError(err).Warn("ошибка остановки http сервера")
		}
	}()

	mainLog.WithFields(logrus.Fields{
		"port":    cfg.HTTPPort,
		"storage": cfg.StorageDriver,
	}).Info("HTTP сервер запущен")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		mainLog.WithError(err).Fatal("сервер завершился с ошибкой")
	}

	// Дожидаемся доставки уже поставленных уведомлений.
	notificationService.Wait()
	mainLog.Info("сервер остановлен")
}

// safeClose закрывает соединение с базой.
func safeClose(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		log.Printf("main: ошибка закрытия базы: %v", err)
	}
}
