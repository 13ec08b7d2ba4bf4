// Package main - точка входа движка геймификации.
//
// Процесс принимает события активности по HTTP, ведёт журнал очков,
// профили, серии и значки пользователей и отдаёт лидерборды.
// Изменения профилей транслируются клиентам через websocket; при включённом
// Redis события доходят до подписчиков всех инстансов.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/alem-hub/gamification-engine/config"
	"github.com/alem-hub/gamification-engine/internal/application/command"
	"github.com/alem-hub/gamification-engine/internal/application/eventhandler"
	"github.com/alem-hub/gamification-engine/internal/application/query"
	"github.com/alem-hub/gamification-engine/internal/domain/badge"
	"github.com/alem-hub/gamification-engine/internal/domain/leaderboard"
	"github.com/alem-hub/gamification-engine/internal/domain/profile"
	"github.com/alem-hub/gamification-engine/internal/domain/progression"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/gamification-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/gamification-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/gamification-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/gamification-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/gamification-engine/internal/infrastructure/scheduler/jobs"
	httpserver "github.com/alem-hub/gamification-engine/internal/interface/http"
	"github.com/alem-hub/gamification-engine/internal/interface/http/handlers"
	"github.com/alem-hub/gamification-engine/pkg/logger"
	"github.com/alem-hub/gamification-engine/pkg/retry"
	"github.com/alem-hub/gamification-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// backend - набор хранилищ, за которыми стоит один драйвер.
type backend struct {
	store     profile.Store
	reader    profile.Reader
	catalog   profile.CatalogReader
	auditor   profile.Auditor
	repo      leaderboard.Repository
	directory leaderboard.CohortDirectory
	names     leaderboard.NameResolver
	pinger    handlers.Pinger
	stats     func() interface{} // nil when the driver has nothing to report
	close     func()
}

// eventBus - шина, которую можно закрыть и с которой можно снять метрики.
type eventBus interface {
	shared.EventBus
	Close() error
	Metrics() *messaging.EventBusMetrics
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. КОНФИГУРАЦИЯ И ЛОГИРОВАНИЕ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Options{
		Output: os.Stdout,
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	}).With(
		logger.String("app", cfg.App.Name),
		logger.String("version", cfg.App.Version),
	)
	log.Info("starting gamification engine",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("timezone", cfg.App.Timezone),
		logger.String("store", cfg.Store.Driver),
	)

	calendar := timeutil.CalendarIn(cfg.App.Location)
	clock := timeutil.SystemClock{}
	rules, err := progression.NewRules(cfg.Engine.LevelThresholds)
	if err != nil {
		return fmt.Errorf("invalid level thresholds: %w", err)
	}

	var catalog []badge.Badge
	if cfg.Engine.BadgeCatalogFile != "" {
		catalog, err = config.LoadCatalog(cfg.Engine.BadgeCatalogFile)
		if err != nil {
			return fmt.Errorf("failed to load badge catalog: %w", err)
		}
		log.Info("badge catalog loaded", logger.Int("badges", len(catalog)))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. ХРАНИЛИЩЕ
	// ─────────────────────────────────────────────────────────────────────────
	var be *backend
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		be, err = memoryBackend(rules, clock, catalog)
	default:
		be, err = postgresBackend(ctx, cfg, rules, calendar, clock, catalog, log)
	}
	if err != nil {
		return err
	}
	defer be.close()

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ШИНА СОБЫТИЙ
	// ─────────────────────────────────────────────────────────────────────────
	localCfg := messaging.InMemoryEventBusConfig{
		AsyncMode:      cfg.EventBus.Async,
		WorkerPoolSize: cfg.EventBus.Workers,
		QueueSize:      cfg.EventBus.QueueSize,
		Logger:         log,
		EnableMetrics:  true,
	}

	var (
		bus         eventBus
		redisClient *redis.PubSubClient
		redisBus    *messaging.RedisEventBus
	)
	if cfg.Redis.Enabled {
		redisClient, err = connectRedis(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		redisBus, err = messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			Client:         redisClient,
			ChannelName:    cfg.Redis.Channel,
			LocalBusConfig: localCfg,
			Logger:         log,
		})
		if err != nil {
			_ = redisClient.Close()
			return fmt.Errorf("failed to start redis event bus: %w", err)
		}
		bus = redisBus
	} else {
		bus = messaging.NewInMemoryEventBus(localCfg)
	}
	defer func() {
		log.Info("closing event bus")
		_ = bus.Close()
	}()

	hub := httpserver.NewStreamHub(log)
	if err := eventhandler.NewStreamForwarder(hub, log).Register(bus); err != nil {
		return fmt.Errorf("failed to register stream forwarder: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ОБРАБОТЧИКИ КОМАНД И ЗАПРОСОВ
	// ─────────────────────────────────────────────────────────────────────────
	recordEvent := command.NewRecordEventHandler(be.store, rules, calendar, clock, bus, log, command.RecordEventHandlerConfig{
		MaxConflictRetries:     cfg.Engine.MaxConflictRetries,
		RequireExistingProfile: cfg.Engine.RequireExistingProfile,
	})

	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	health.AddCheck("store", handlers.NewPingCheck(be.pinger))
	if be.stats != nil {
		health.AddDetails("database", be.stats)
	}
	if redisClient != nil {
		health.AddCheck("redis", handlers.NewPingCheck(redisClient))
		health.AddDetails("broker_circuit", func() interface{} { return redisBus.BreakerSnapshot() })
	}
	health.AddDetails("eventbus", func() interface{} { return bus.Metrics().Snapshot() })
	health.AddDetails("stream", func() interface{} { return map[string]int{"clients": hub.ClientCount()} })

	if cfg.Engine.AuditSchedule != "" {
		sched := scheduler.NewScheduler(cfg.App.Location, log)
		if err := sched.Register(jobs.NewLedgerAuditJob(be.auditor, log), cfg.Engine.AuditSchedule); err != nil {
			return fmt.Errorf("failed to schedule ledger audit: %w", err)
		}
		if err := sched.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				log.Warn("scheduler stop", logger.Err(err))
			}
		}()
		health.AddDetails("scheduler", func() interface{} { return sched.ListJobs() })
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. HTTP СЕРВЕР
	// ─────────────────────────────────────────────────────────────────────────
	ingestRate := handlers.RateLimitConfig{
		RequestsPerMinute: cfg.HTTP.IngestRatePerMinute,
		BurstSize:         cfg.HTTP.IngestBurst,
	}
	server := httpserver.NewServer(httpserver.Config{
		Host:           cfg.HTTP.Host,
		Port:           cfg.HTTP.Port,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		IngestKeyHash:  cfg.HTTP.IngestKeyHash,
		IngestRate:     ingestRate,
		Debug:          cfg.IsDevelopment(),
	}, httpserver.Dependencies{
		RecordEventHandler:    recordEvent,
		GetProfileHandler:     query.NewGetProfileHandler(be.reader, be.catalog, calendar),
		ListGrantsHandler:     query.NewListGrantsHandler(be.reader),
		GetLeaderboardHandler: query.NewGetLeaderboardHandler(be.repo, be.directory, be.names, calendar, clock, log, cfg.Engine.LeaderboardMaxLimit),
		ListBadgesHandler:     query.NewListBadgesHandler(be.catalog),
		Calendar:              calendar,
		Hub:                   hub,
		HealthChecker:         health,
		Logger:                log,
	})
	if cfg.HTTP.IngestKeyHash == "" {
		log.Warn("event intake is not protected: HTTP_INGEST_KEY_HASH is empty")
	}

	errCh := server.StartAsync()

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("http shutdown failed", logger.Err(err))
	}

	log.Info("gamification engine stopped")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// BACKENDS
// ══════════════════════════════════════════════════════════════════════════════

func memoryBackend(rules *progression.Rules, clock timeutil.Clock, catalog []badge.Badge) (*backend, error) {
	store := memory.NewStore(rules, clock)
	if err := store.SetCatalog(catalog); err != nil {
		return nil, fmt.Errorf("invalid badge catalog: %w", err)
	}
	return &backend{
		store:     store,
		reader:    store,
		catalog:   store,
		auditor:   store,
		repo:      store,
		directory: store,
		names:     store,
		pinger:    store,
		close:     store.Close,
	}, nil
}

func postgresBackend(
	ctx context.Context,
	cfg *config.Config,
	rules *progression.Rules,
	calendar timeutil.Calendar,
	clock timeutil.Clock,
	catalog []badge.Badge,
	log *logger.Logger,
) (*backend, error) {
	log.Info("connecting to database")

	var conn *postgres.Connection
	err := retry.DatabaseRetrier().Do(ctx, func(ctx context.Context) error {
		c, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolOptions{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			log.Warn("database not ready", logger.Err(err))
			return retry.Retryable(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	if cfg.Database.AutoMigrate {
		applied, err := postgres.NewMigrator(conn).Migrate(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database schema is up to date", logger.Any("applied", applied))
	}

	badges := postgres.NewBadgeRepository(conn)
	if cfg.Engine.SeedCatalog {
		if err := badges.UpsertCatalog(ctx, catalog); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to seed badge catalog: %w", err)
		}
		log.Info("badge catalog seeded", logger.Int("badges", len(catalog)))
	}

	store := postgres.NewProfileStore(conn, rules, calendar, clock)
	directory := postgres.NewDirectoryRepository(conn)
	return &backend{
		store:     store,
		reader:    store,
		catalog:   badges,
		auditor:   store,
		repo:      postgres.NewLeaderboardRepository(conn, calendar),
		directory: directory,
		names:     directory,
		pinger:    conn,
		stats:     func() interface{} { return conn.Stats() },
		close: func() {
			log.Info("closing database connection")
			conn.Close()
		},
	}, nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*redis.PubSubClient, error) {
	opts := redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}

	var client *goredis.Client
	err := retry.DatabaseRetrier().Do(ctx, func(ctx context.Context) error {
		c, err := redis.Connect(ctx, opts)
		if err != nil {
			log.Warn("redis not ready", logger.Err(err))
			return retry.Retryable(err)
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("redis connection established", logger.String("addr", cfg.Addr))
	return redis.NewPubSubClient(client), nil
}
