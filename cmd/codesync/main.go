package main

import (
	"context"
	"log"
	"time"

	"github.com/hilthontt/codesync/internal/application/lifecycle"
	"github.com/hilthontt/codesync/internal/application/presence"
	"github.com/hilthontt/codesync/internal/application/roomstore"
	"github.com/hilthontt/codesync/internal/application/router"
	"github.com/hilthontt/codesync/internal/domain"
	"github.com/hilthontt/codesync/internal/infrastructure/configs"
	"github.com/hilthontt/codesync/internal/infrastructure/events"
	"github.com/hilthontt/codesync/internal/infrastructure/executor"
	"github.com/hilthontt/codesync/internal/infrastructure/logging"
	"github.com/hilthontt/codesync/internal/infrastructure/messaging"
	"github.com/hilthontt/codesync/internal/infrastructure/metrics"
	"github.com/hilthontt/codesync/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/codesync/internal/infrastructure/tracing"
	"github.com/hilthontt/codesync/internal/infrastructure/ws"
	"github.com/hilthontt/codesync/internal/persistence/db"
	"github.com/hilthontt/codesync/internal/persistence/repository"
	"github.com/hilthontt/codesync/internal/presentation/api"
	"github.com/hilthontt/codesync/internal/presentation/handler/health"
	"github.com/hilthontt/codesync/internal/presentation/handler/rooms"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	serviceName = "codesync"
)

func main() {
	configPath := configs.DetermineConfigPath()
	cfg, err := configs.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.NewLogger(&logging.LoggerConfig{
		FilePath: cfg.Logger.FilePath,
		Encoding: cfg.Logger.Encoding,
		Level:    cfg.Logger.Level,
		Logger:   cfg.Logger.Driver,
		AppName:  serviceName,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	shutdownTracer, err := tracing.InitTracer(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: serviceName,
		Environment: cfg.Tracing.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		logger.Fatal(logging.General, logging.Startup, "failed to initialize the tracer", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	ctx := context.Background()
	m := metrics.NewWithRuntime()
	checks := map[string]health.Check{}

	var (
		roomRepository domain.RoomRepository
		mongoClient    *mongo.Client
		database       *mongo.Database
	)

	switch cfg.Storage.Driver {
	case "mongo":
		mongoCfg := &db.MongoConfig{
			URI:               cfg.Storage.Mongo.URI,
			Database:          cfg.Storage.Mongo.Database,
			ConnectionTimeout: cfg.Storage.Mongo.ConnectionTimeout,
		}
		mongoClient, err = db.NewMongoClient(ctx, mongoCfg, logger)
		if err != nil {
			logger.Fatal(logging.MongoDB, logging.Startup, "failed to connect to mongodb", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
			})
		}
		database = db.GetDatabase(mongoClient, mongoCfg)
		roomRepository = repository.NewRoomRepository(database, cfg.Storage.Mongo.Collection, cfg.Storage.Mongo.OperationTimeout)
		checks["mongodb"] = func(ctx context.Context) error {
			return mongoClient.Ping(ctx, readpref.Primary())
		}
	default:
		logger.Warn(logging.General, logging.Startup, "using in-memory storage, rooms are lost on restart", nil)
		roomRepository = repository.NewMemoryRoomRepository()
	}

	publisher := events.NewNopPublisher()
	var (
		rabbitmq        *messaging.RabbitMQ
		roomPublisher   *events.RoomPublisher
		auditRepository domain.RoomAuditRepository
	)
	if cfg.Events.Enabled {
		rabbitmq, err = messaging.NewRabbitMQ(ctx, cfg.Events.URI, cfg.Events.Exchange, cfg.Events.Queue, logger)
		if err != nil {
			logger.Fatal(logging.RabbitMQ, logging.Startup, "failed to connect to rabbitmq", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
			})
		}
		logger.Info(logging.RabbitMQ, logging.Startup, "rabbitmq connected", nil)

		roomPublisher = events.NewRoomPublisher(rabbitmq, logger, 0)
		publisher = roomPublisher

		// Start Room Consumer
		if database != nil {
			auditRepository = repository.NewRoomAuditLogRepository(database)
			if err := auditRepository.EnsureIndexes(ctx); err != nil {
				logger.Error(logging.MongoDB, logging.Startup, "failed to create audit log indexes", map[logging.ExtraKey]any{
					logging.ErrorMessage: err.Error(),
				})
			}
			if err := events.NewRoomConsumer(rabbitmq, auditRepository, logger).Listen(); err != nil {
				logger.Error(logging.RabbitMQ, logging.Startup, "failed to start room consumer", map[logging.ExtraKey]any{
					logging.ErrorMessage: err.Error(),
				})
			}
		}
	}

	store := roomstore.New(roomRepository, roomstore.Options{
		FlushDebounce: cfg.Room.FlushDebounce,
		Logger:        logger,
		Metrics:       m,
		OnCreated: func(room *domain.Room) {
			publisher.Publish(ctx, domain.NewRoomCreatedLog(room.Key, len(room.Files)))
		},
	})
	presenceRegistry := presence.NewRegistry()
	lifecycleManager := lifecycle.NewManager(presenceRegistry, store, lifecycle.Options{
		EvictionDelay: cfg.Room.EvictionDelay,
		Logger:        logger,
		Metrics:       m,
		Publisher:     publisher,
	})
	roomManager := ws.NewRoomManager(logger, m)

	eventRouter := router.New(router.Deps{
		Store:     store,
		Presence:  presenceRegistry,
		Lifecycle: lifecycleManager,
		Sender:    roomManager,
		Runner:    executor.NewClient(executor.Config{Endpoint: cfg.CodeRun.Endpoint, Timeout: cfg.CodeRun.Timeout}, logger, m),
		Limiter:   ratelimiter.NewSlidingWindow(cfg.CodeRun.Limit, cfg.CodeRun.Window),
		Publisher: publisher,
		Logger:    logger,
		Metrics:   m,
	}, router.Config{
		MaxPathLength:    cfg.Room.MaxPathLength,
		MaxFileSize:      cfg.Room.MaxFileSize,
		MaxMessageLength: cfg.Room.MaxMessageLength,
	})

	roomHandler := rooms.NewHandler(store, roomRepository, auditRepository, presenceRegistry, roomManager, eventRouter, cfg.HTTP.AllowedOrigins, logger)
	healthHandler := health.NewHandler(checks)

	rl := ratelimiter.New(ratelimiter.Options{
		MaxRatePerSecond: cfg.RateLimiter.MaxRatePerSecond,
		MaxBurst:         cfg.RateLimiter.MaxBurst,
		CacheTTL:         cfg.RateLimiter.CacheTTL,
		SourceHeaderKey:  cfg.RateLimiter.SourceHeaderKey,
	})
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go sweepRateLimiter(sweepCtx, rl, cfg.RateLimiter.CacheTTL)

	app := api.NewApplication(*cfg, roomHandler, healthHandler, logger, rl, m)

	app.OnShutdown(func(ctx context.Context) error {
		stopSweep()
		roomManager.CloseAll()
		eventRouter.Wait()
		lifecycleManager.Stop()

		err := store.FlushAll(ctx)
		store.Stop()
		logger.Info(logging.Room, logging.Flush, "rooms flushed", map[logging.ExtraKey]any{
			"rooms": store.Len(),
		})
		return err
	})
	app.OnShutdown(func(ctx context.Context) error {
		if roomPublisher != nil {
			roomPublisher.Close()
		}
		if rabbitmq != nil {
			rabbitmq.Close()
		}
		return db.DisconnectMongo(ctx, mongoClient)
	})
	app.OnShutdown(shutdownTracer)

	mux := app.Mount()
	if err := app.Run(mux); err != nil {
		logger.Fatal(logging.General, logging.Shutdown, "server stopped with error", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}
}

func sweepRateLimiter(ctx context.Context, rl *ratelimiter.RateLimiter, every time.Duration) {
	if every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}
