package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vqtran/scanpipe/internal/config"
	"github.com/vqtran/scanpipe/internal/detector"
	"github.com/vqtran/scanpipe/internal/domain"
	"github.com/vqtran/scanpipe/internal/filestore"
	"github.com/vqtran/scanpipe/internal/queue"
	"github.com/vqtran/scanpipe/internal/store"
	"github.com/vqtran/scanpipe/internal/worker"
	"github.com/vqtran/scanpipe/shared/logger"
	"github.com/vqtran/scanpipe/shared/postgresql"
	"github.com/vqtran/scanpipe/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	files, err := filestore.New(cfg.Storage.Root, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize file store: %w", err)
	}

	// Wire the pipeline: job store, durable queue, scan daemon adapter
	jobStore := store.New(dbClient.GetDB(), appLogger.Logger)
	dispatch := queue.New(dbClient.GetDB(), rabbitClient, queue.Config{
		LeaseDuration: cfg.Dispatch.LeaseDuration,
		BackoffBase:   cfg.Dispatch.BackoffBase,
		BackoffMax:    cfg.Dispatch.BackoffMax,
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
		RenotifyAfter: cfg.Dispatch.RenotifyAfter,
	}, appLogger.Logger)
	clam := detector.New(detector.Config{
		Host:        cfg.ClamAV.Host,
		Port:        cfg.ClamAV.Port,
		DialTimeout: cfg.ClamAV.DialTimeout,
		ScanTimeout: cfg.ClamAV.ScanTimeout,
		ChunkSize:   cfg.ClamAV.ChunkSize,
	}, appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Store:             jobStore,
		Queue:             dispatch,
		Detector:          clam,
		Files:             files,
		RabbitClient:      rabbitClient,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		RatePerSecond:     cfg.Worker.RatePerSecond,
		ScanTimeout:       cfg.Worker.ScanTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The sweeper promotes due delayed entries, reclaims expired leases and
	// re-publishes lost notifications; it is the redelivery half of the
	// at-least-once guarantee.
	go dispatch.RunSweeper(ctx, cfg.Dispatch.SweepInterval)

	// Queue housekeeping: prune old consumed and dead entries.
	go runQueueCleaner(ctx, dispatch, cfg.Dispatch, appLogger.Logger)

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.String("error", err.Error()),
		)
		return err
	}

	cancel()

	// Bound how long in-flight scans may hold up shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// runQueueCleaner periodically prunes consumed and dead entries older than
// the retention threshold. Waiting, delayed and active entries are never
// touched.
func runQueueCleaner(ctx context.Context, dispatch *queue.Queue, cfg config.DispatchConfig, logger *slog.Logger) {
	interval := cfg.CleanInterval
	if interval <= 0 {
		interval = time.Hour
	}
	maxAge := cfg.CleanMaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, state := range []domain.EntryState{domain.EntryStateCompleted, domain.EntryStateDead} {
				if _, err := dispatch.Clean(ctx, state, maxAge, 1000); err != nil {
					logger.Error("Queue cleaning failed",
						slog.String("state", string(state)),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}
