package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatguard/internal/clock"
	"chatguard/internal/config"
	"chatguard/internal/database"
	"chatguard/internal/handlers"
	"chatguard/internal/jobs"
	"chatguard/internal/logging"
	"chatguard/internal/services"
	"chatguard/pkg/auth"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func main() {
	// Load .env file (ignore error if file doesn't exist)
	envErr := godotenv.Load()

	logging.Init()
	log := logging.Component("server")
	log.Info("🚀 Starting chatguard...")
	if envErr != nil {
		log.WithError(envErr).Debug("No .env file loaded")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("❌ Invalid configuration")
	}
	log.WithFields(logrus.Fields{
		"port":          cfg.Port,
		"environment":   cfg.Environment,
		"quota_backend": cfg.QuotaBackend,
		"cache_backend": cfg.CacheBackend,
	}).Info("📋 Configuration loaded")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	clk := clock.Real{}
	metrics := services.NewMetrics(prometheus.DefaultRegisterer)
	health := map[string]handlers.Pinger{}

	// MongoDB holds the ledgers, the retry queue and conversations
	var mongoDB *database.MongoDB
	if cfg.MongoURI != "" {
		mongoDB, err = database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			log.WithError(err).Fatal("❌ Failed to connect to MongoDB")
		}
		defer mongoDB.Close(context.Background())

		if err := mongoDB.Initialize(ctx); err != nil {
			log.WithError(err).Fatal("❌ Failed to initialize MongoDB")
		}
		health["mongodb"] = mongoDB
	} else if cfg.IsProduction() {
		log.Fatal("❌ MONGODB_URI is required in production")
	} else {
		log.Warn("⚠️  MONGODB_URI not set, using in-memory stores (state is lost on restart)")
	}

	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("❌ Failed to connect to Redis")
		}
		defer redisService.Close()
		health["redis"] = redisService
	}

	quotaStore := buildQuotaStore(cfg, mongoDB, redisService, health)
	cacheStore := buildCacheStore(cfg, redisService)

	var (
		conversations services.ConversationStore
		ledger        services.StrikeLedger
		bans          services.BanRecordStore
		queue         services.RetryQueue
	)
	retryPolicy := services.RetryPolicy{MaxRetries: cfg.Retry.MaxRetries, Schedule: cfg.Retry.Schedule}
	if mongoDB != nil {
		conversations = services.NewMongoConversationStore(mongoDB)
		mongoLedger := services.NewMongoStrikeLedger(mongoDB)
		ledger, bans = mongoLedger, mongoLedger
		queue = services.NewMongoRetryQueue(mongoDB, retryPolicy, clk)
	} else {
		conversations = services.NewMemoryConversationStore()
		memoryLedger := services.NewMemoryStrikeLedger()
		ledger, bans = memoryLedger, memoryLedger
		queue = services.NewMemoryRetryQueue(retryPolicy, clk)
	}

	var notifier services.Notifier = services.LogNotifier{}
	if redisService != nil {
		notifier = services.NewRedisNotifier(redisService.Client(), uuid.New().String())
	}

	// Cache policies, optionally hot-reloaded from a YAML file
	policies := config.NewCachePolicies()
	if cfg.Cache.PolicyFile != "" {
		if err := policies.LoadFile(cfg.Cache.PolicyFile); err != nil {
			log.WithError(err).Fatal("❌ Failed to load cache policy file")
		}
		if err := policies.Watch(ctx, cfg.Cache.PolicyFile); err != nil {
			log.WithError(err).Warn("⚠️  Cache policy hot reload disabled")
		}
	}

	providerCfg := services.ProviderClientConfig{
		BaseURL: cfg.Providers.BaseURL,
		APIKey:  cfg.Providers.APIKey,
		Timeout: cfg.Providers.Timeout,
	}
	llmCfg, embedCfg := providerCfg, providerCfg
	llmCfg.Model = cfg.Providers.LLMModel
	embedCfg.Model = cfg.Providers.EmbeddingModel
	llm := services.NewOpenAILLMClient(llmCfg, metrics)
	embedder := services.NewOpenAIEmbedder(embedCfg, metrics)

	index, err := services.NewChromemIndex(cfg.Providers.VectorPersistPath)
	if err != nil {
		log.WithError(err).Fatal("❌ Failed to open vector index")
	}

	limiter := services.NewRateLimiter(quotaStore, clk, services.RateLimiterConfig{
		HourlyLimit:  cfg.Quota.HourlyLimit,
		MonthlyLimit: cfg.Quota.MonthlyLimit,
		MaxAttempts:  cfg.Quota.MaxAttempts,
	}, metrics)
	validator := services.NewCacheValidator(cacheStore, conversations, clk, metrics)
	assistant := services.NewAssistantService(conversations, limiter, validator, policies, llm, embedder, index, services.DefaultAssistantConfig())
	abuse := services.NewAbuseService(ledger, bans, conversations, services.BanPolicy{
		Decay:              cfg.Strikes.Decay,
		TempWindow:         cfg.Strikes.TempBanWindow,
		TempDuration:       cfg.Strikes.TempBanDuration,
		PermanentThreshold: cfg.Strikes.PermanentBanStrike,
		WarningFrom:        cfg.Strikes.WarningStrikes,
	}, notifier, clk, metrics)

	// Background jobs share one limiter so batch and retry traffic together
	// stay under the embedding provider's rate
	scheduler, err := jobs.NewJobScheduler()
	if err != nil {
		log.WithError(err).Fatal("❌ Failed to create job scheduler")
	}
	embedLimiter := rate.NewLimiter(rate.Limit(cfg.Jobs.EmbedRatePerSec), 1)
	pipeline := services.NewEmbeddingPipeline(conversations, embedder, index, clk, metrics)
	registerJob(scheduler, "embedding-batch", cfg.Jobs.EmbedBatchSchedule,
		jobs.NewEmbeddingBatchJob(conversations, pipeline, queue, embedLimiter, cfg.Jobs.EmbedBatchSize, metrics))
	registerJob(scheduler, "retry-sweep", cfg.Jobs.RetrySweepSchedule,
		jobs.NewRetrySweepJob(queue, pipeline, embedLimiter, clk, jobs.RetrySweepConfig{
			Lease:   cfg.Retry.Lease,
			Workers: cfg.Jobs.RetrySweepWorkers,
		}, metrics))
	registerJob(scheduler, "queue-monitor", cfg.Jobs.QueueMonitorSchedule,
		jobs.NewQueueDepthMonitor(queue, cfg.Jobs.QueueAlertThreshold, metrics))
	scheduler.Start()

	var jwtAuth *auth.LocalJWTAuth
	if cfg.JWTSecret != "" {
		jwtAuth, err = auth.NewLocalJWTAuth(cfg.JWTSecret, 0)
		if err != nil {
			log.WithError(err).Fatal("❌ Failed to initialize JWT auth")
		}
	} else if cfg.IsProduction() {
		log.Fatal("❌ CRITICAL SECURITY ERROR: JWT_SECRET is required in production")
	} else {
		log.Warn("⚠️  JWT_SECRET not set, authentication bypassed (development mode)")
	}

	app := fiber.New(fiber.Config{
		AppName:      "chatguard",
		ReadTimeout:  90 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prom := fiberprometheus.New("chatguard")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: cfg.AllowedOrigins != "*",
	}))

	handlers.Register(app, handlers.Routes{
		Health:       handlers.NewHealthHandler(health),
		Assistant:    handlers.NewAssistantHandler(assistant),
		Conversation: handlers.NewConversationHandler(conversations, assistant, clk),
		Usage:        handlers.NewUsageHandler(limiter),
		Moderation:   handlers.NewModerationHandler(abuse),
		Admin:        handlers.NewAdminHandler(queue, scheduler),
		Bans:         abuse,
		JWT:          jwtAuth,
		Environment:  cfg.Environment,
		AdminUserIDs: cfg.AdminUserIDs,
		APIRateLimit: cfg.APIRateLimit,
	})

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("🛑 Shutting down server...")
		stop()

		if err := scheduler.Stop(); err != nil {
			log.WithError(err).Warn("Error stopping job scheduler")
		}
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.WithError(err).Warn("Error shutting down server")
		}
	}()

	log.WithField("port", cfg.Port).Info("📡 Listening")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.WithError(err).Fatal("❌ Failed to start server")
	}
}

func buildQuotaStore(cfg *config.Config, mongoDB *database.MongoDB, redisService *services.RedisService, health map[string]handlers.Pinger) services.QuotaStore {
	log := logging.Component("server")

	switch cfg.QuotaBackend {
	case "mongo":
		if mongoDB == nil {
			log.Fatal("❌ QUOTA_BACKEND=mongo requires MONGODB_URI")
		}
		return services.NewMongoQuotaStore(mongoDB)
	case "redis":
		if redisService == nil {
			log.Fatal("❌ QUOTA_BACKEND=redis requires REDIS_URL")
		}
		return services.NewRedisQuotaStore(redisService.Client())
	case "sql":
		if cfg.DatabaseURL == "" {
			log.Fatal("❌ QUOTA_BACKEND=sql requires DATABASE_URL")
		}
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("❌ Failed to connect to database")
		}
		if err := db.Initialize(); err != nil {
			log.WithError(err).Fatal("❌ Failed to initialize database")
		}
		health["sql"] = handlers.PingFunc(db.PingContext)
		return services.NewSQLQuotaStore(db)
	}

	if cfg.IsProduction() {
		log.Warn("⚠️  In-memory quota store does not share counters between instances")
	}
	return services.NewMemoryQuotaStore()
}

func buildCacheStore(cfg *config.Config, redisService *services.RedisService) services.CacheStore {
	if cfg.CacheBackend == "redis" {
		if redisService == nil {
			logging.Component("server").Fatal("❌ CACHE_BACKEND=redis requires REDIS_URL")
		}
		return services.NewRedisCacheStore(redisService.Client())
	}
	return services.NewMemoryCacheStore(10 * time.Minute)
}

func registerJob(scheduler *jobs.JobScheduler, name, spec string, job jobs.Job) {
	schedule, err := config.ParseSchedule(spec)
	if err == nil {
		err = scheduler.Register(name, job, schedule)
	}
	if err != nil {
		logging.Component("server").WithError(err).WithField("job", name).Fatal("❌ Failed to register job")
	}
}
