package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vqtran/scanpipe/internal/detector"
	"github.com/vqtran/scanpipe/internal/domain"
	"github.com/vqtran/scanpipe/shared/rabbitmq"
)

// JobStore is the slice of the job store the worker needs.
type JobStore interface {
	MarkProcessing(ctx context.Context, jobID string) (*domain.Job, error)
	MarkFailed(ctx context.Context, jobID, errorMessage string) (*domain.Job, error)
	CompleteWithResult(ctx context.Context, jobID string, in *domain.ScanResultInput) error
}

// EntryQueue is the slice of the dispatch queue the worker needs.
type EntryQueue interface {
	ClaimNext(ctx context.Context) (*domain.QueueEntry, error)
	Heartbeat(ctx context.Context, entryID string) error
	Ack(ctx context.Context, entryID string) error
	Fail(ctx context.Context, entry *domain.QueueEntry, reason string) error
}

// Detector inspects a stored file and reports the verdict.
type Detector interface {
	Inspect(ctx context.Context, path string) (*detector.Report, error)
}

// FileStore resolves stored references to scannable paths.
type FileStore interface {
	Exists(storedRef string) (bool, error)
	Path(storedRef string) string
}

// Config holds worker configuration.
type Config struct {
	Logger            *slog.Logger
	Store             JobStore
	Queue             EntryQueue
	Detector          Detector
	Files             FileStore
	RabbitClient      *rabbitmq.Client
	Concurrency       int
	PrefetchCount     int
	RatePerSecond     float64
	ScanTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// Worker consumes queue deliveries and runs scans. Delivery is
// at-least-once; every state change the worker makes is a conditional
// update, so a duplicate delivery falls through without effect.
type Worker struct {
	logger            *slog.Logger
	store             JobStore
	queue             EntryQueue
	detector          Detector
	files             FileStore
	rabbitClient      *rabbitmq.Client
	concurrency       int
	prefetchCount     int
	limiter           *rate.Limiter
	scanTimeout       time.Duration
	heartbeatInterval time.Duration
	workerID          string
	jobsChan          chan *entryMessage
	wg                sync.WaitGroup
	stopChan          chan struct{}
}

// entryMessage is a parsed broker delivery: the queue entry reference plus
// the AMQP delivery tag needed to ack it.
type entryMessage struct {
	EntryID     string
	JobID       string
	DeliveryTag uint64
}

// NewWorker creates a new worker instance.
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	scanTimeout := cfg.ScanTimeout
	if scanTimeout <= 0 {
		scanTimeout = 5 * time.Minute
	}

	// The limiter caps how fast leases are taken across all goroutines in
	// this process, independent of concurrency, so a wide pool cannot
	// overload the scan daemon.
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		queue:             cfg.Queue,
		detector:          cfg.Detector,
		files:             cfg.Files,
		rabbitClient:      cfg.RabbitClient,
		concurrency:       concurrency,
		prefetchCount:     cfg.PrefetchCount,
		limiter:           rate.NewLimiter(limit, 1),
		scanTimeout:       scanTimeout,
		heartbeatInterval: heartbeat,
		workerID:          fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		jobsChan:          make(chan *entryMessage, concurrency),
		stopChan:          make(chan struct{}),
	}
}

// Start begins consuming and processing scan jobs. It blocks until ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("scan_timeout", w.scanTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)
	go w.startMessageDispatcher(ctx, deliveries)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker, waiting for in-flight scans.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
