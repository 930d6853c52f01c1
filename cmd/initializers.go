package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"taskledger/app/handler"
	"taskledger/app/router"
	"taskledger/internal/ingester"
	"taskledger/internal/jobs"
	"taskledger/internal/model"
	"taskledger/internal/worker"
	"taskledger/pkg/bus/redisbus"
	"taskledger/pkg/config"
	"taskledger/pkg/logger"
	"taskledger/pkg/metrics"
	mongostore "taskledger/pkg/store/mongo"
)

// initConfig loads configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes the logging system
func (app *Application) initLogger() error {
	return logger.Init()
}

// initMetrics creates the process-wide metrics registry
func (app *Application) initMetrics() error {
	app.metrics = metrics.New()
	return nil
}

// initLedger connects the MongoDB task ledger and ensures its indexes
func (app *Application) initLedger() error {
	store := mongostore.New(mongostore.Config{
		URI:              app.config.Mongo.ConnectionString,
		Database:         app.config.Mongo.DatabaseName,
		ConnectTimeout:   app.config.Mongo.ConnectTimeoutDuration(),
		StaleTaskTimeout: app.config.Ledger.StaleTaskTimeoutDuration(),
	})
	if err := store.Initialize(app.ctx); err != nil {
		return err
	}

	app.mongoStore = store
	app.ledger = store
	app.registerCleanup(func() {
		if err := store.Close(app.ctx); err != nil {
			logger.WarnCtx(app.ctx, "failed to close mongo connection: %v", err)
		}
	})
	return nil
}

// initBus connects the Redis bus driver the ingester consumes from
func (app *Application) initBus() error {
	client := redis.NewClient(&redis.Options{
		Addr:     app.config.Redis.Addr,
		Password: app.config.Redis.Password,
		DB:       app.config.Redis.DB,
	})
	if err := client.Ping(app.ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	app.busConsumer = redisbus.New(client, app.config.Redis.Queue,
		redisbus.WithLockTTL(app.config.Ledger.StaleTaskTimeoutDuration()))
	app.registerCleanup(func() {
		if err := client.Close(); err != nil {
			logger.WarnCtx(app.ctx, "failed to close redis connection: %v", err)
		}
	})
	return nil
}

// initLoops builds the worker and ingester loops
func (app *Application) initLoops() error {
	// Reference handler: acknowledges the task and does nothing else. Real
	// deployments embed the worker with their own handler.
	taskHandler := func(ctx context.Context, task *model.Task) error {
		logger.InfoCtx(ctx, "processing task %s (%d bytes)", task.TaskID, len(task.Body))
		return nil
	}

	app.worker = worker.New(worker.Config{
		Identity:          worker.NewIdentityFromEnv(),
		BatchSize:         app.config.Worker.BatchSize,
		MaxRetries:        app.config.Worker.MaxRetries,
		PollingInterval:   app.config.Worker.PollingIntervalDuration(),
		HeartbeatInterval: app.config.Worker.HeartbeatIntervalDuration(),
		StaleTaskTimeout:  app.config.Ledger.StaleTaskTimeoutDuration(),
	}, app.ledger, taskHandler, app.metrics)
	logger.InfoCtx(app.ctx, "worker identity: %s", app.worker.WorkerID())

	// Store-and-forward: the ingester persists messages without a handler
	// and the worker picks them up after promotion.
	app.ingester = ingester.New(ingester.IngestConfig{
		Source:                   app.config.Redis.Queue,
		BatchSize:                app.config.Ingester.BatchSize,
		PollingWait:              app.config.Ingester.PollingWait(),
		DeadLetterFailedMessages: app.config.Ingester.DeadLetterFailed(),
	}, app.busConsumer, app.ledger, nil, app.metrics)
	return nil
}

// initJobs registers the periodic loops with the job manager
func (app *Application) initJobs() error {
	app.jobsManager = jobs.NewManager(app.ctx)
	app.jobsManager.Register(&jobs.WorkerJob{
		Worker: app.worker,
		Every:  app.config.Worker.PollingIntervalDuration(),
	})
	app.jobsManager.Register(&jobs.IngestJob{
		Ingester: app.ingester,
		Every:    time.Second,
	})
	app.jobsManager.Register(&jobs.LedgerPingJob{
		Ledger: app.ledger,
		Every:  time.Minute,
	})
	return nil
}

// initHandlers creates the HTTP handlers
func (app *Application) initHandlers() error {
	app.taskHandler = handler.NewTaskHandler(app.ledger)
	app.healthHandler = handler.NewHealthHandler(app.ledger)
	return nil
}

// initHTTPServer creates the gin engine and HTTP server
func (app *Application) initHTTPServer() error {
	if app.config.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	app.ginEngine = gin.New()
	r := router.NewRouter(app.taskHandler, app.healthHandler, app.metrics)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}
	return nil
}
