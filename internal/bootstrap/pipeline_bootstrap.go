// Package bootstrap wires configuration into the running pipeline: the
// Redis Stream consumer, the backfill scheduler, and the ops HTTP server.
package bootstrap

import (
	"context"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	apihttp "pipeline_server/adapter/in/http"
	"pipeline_server/adapter/in/worker"
	"pipeline_server/adapter/out/messaging"
	"pipeline_server/adapter/out/persistence"
	"pipeline_server/adapter/out/provider"
	"pipeline_server/config"
	"pipeline_server/core/llm"
	"pipeline_server/core/service/classification"
	"pipeline_server/core/service/ingest"
	"pipeline_server/core/service/summary"
	"pipeline_server/infra/database"
	"pipeline_server/infra/middleware"
	rediscache "pipeline_server/pkg/cache"
	"pipeline_server/pkg/logger"
)

// App holds the wired pipeline components.
type App struct {
	cfg *config.Config

	DB    *sqlx.DB
	Redis *redis.Client

	Ingest     *ingest.Service
	Summarizer *summary.Summarizer
	Consumer   *messaging.EventConsumer
	Backfill   *worker.BackfillScheduler
	Fiber      *fiber.App

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires all dependencies from config. The returned cleanup closes the
// database and Redis connections.
func New(cfg *config.Config) (*App, func(), error) {
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	model, err := llm.NewClient(llm.ClientConfig{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		Timeout:     time.Duration(cfg.LLMTimeoutSec) * time.Second,
	})
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, nil, err
	}

	// Outbound adapters
	store := rediscache.NewRedisCache(redisClient)
	repo := persistence.NewCategorizationAdapter(db)
	tokens := provider.NewStaticTokenProvider(
		cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRefreshToken)
	gmail := provider.NewGmailAdapter(tokens)

	// Services
	rules := classification.NewRuleClassifier()
	batch := classification.NewBatchClassifier(model)
	guard := ingest.NewDedupGuard(store)
	if cfg.DedupLockTTL > 0 {
		guard.SetTTL(cfg.DedupLockTTL)
	}
	ingestSvc := ingest.NewService(guard, repo, gmail, rules)
	summarizer := summary.NewSummarizer(summary.NewCache(store), model)

	// Inbound: stream consumer and backfill scheduler
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "consumer").Logger()

	consumer := messaging.NewEventConsumer(redisClient, &messaging.EventConsumerConfig{
		Group:                cfg.ConsumerGroup,
		Consumer:             cfg.ConsumerID,
		Handler:              ingestSvc,
		Logger:               zlog,
		PendingCheckInterval: time.Duration(cfg.ConsumerPendingCheckSec) * time.Second,
		PendingIdleTime:      time.Duration(cfg.ConsumerPendingIdleSec) * time.Second,
		MaxRetries:           cfg.ConsumerMaxRetries,
	})

	backfill := worker.NewBackfillScheduler(repo, gmail, batch)
	if cfg.BackfillInterval > 0 {
		backfill.SetCheckInterval(cfg.BackfillInterval)
	}

	app := newFiberApp(db, redisClient, ingestSvc, backfill, model)

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:        cfg,
		DB:         db,
		Redis:      redisClient,
		Ingest:     ingestSvc,
		Summarizer: summarizer,
		Consumer:   consumer,
		Backfill:   backfill,
		Fiber:      app,
		ctx:        ctx,
		cancel:     cancel,
	}

	cleanup := func() {
		redisClient.Close()
		db.Close()
	}

	return a, cleanup, nil
}

// Start launches the consumer loop and the backfill scheduler.
func (a *App) Start() {
	if a.cfg.BackfillEnabled {
		a.Backfill.Start()
	} else {
		logger.Info("Backfill scheduler disabled by config")
	}

	go func() {
		if err := a.Consumer.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			logger.WithError(err).Error("Event consumer exited")
		}
	}()

	logger.Info("Pipeline started: group=%s consumer=%s", a.cfg.ConsumerGroup, a.cfg.ConsumerID)
}

// Stop cancels the consumer and stops the scheduler.
func (a *App) Stop() {
	a.cancel()
	if a.cfg.BackfillEnabled {
		a.Backfill.Stop()
	}
}

func newFiberApp(
	db *sqlx.DB,
	redisClient *redis.Client,
	ingestSvc *ingest.Service,
	backfill *worker.BackfillScheduler,
	model *llm.Client,
) *fiber.App {
	app := fiber.New(fiber.Config{
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		DisableStartupMessage: true,
		ErrorHandler:          middleware.ErrorHandler(),
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())

	apihttp.NewHealthHandler(db, redisClient).Register(app)
	apihttp.NewMetricsHandler(db, redisClient, ingestSvc, backfill, model).Register(app)

	return app
}
