package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vqtran/scanpipe/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on the concurrency
// configuration.
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				w.logger.Info("Worker goroutine stopping - jobsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			err := w.processEntry(ctx, msg)

			channel := w.rabbitClient.GetChannel()
			if channel == nil {
				w.logger.Error("Failed to get RabbitMQ channel for ACK/NACK",
					slog.String("worker_name", workerName),
					slog.String("entry_id", msg.EntryID),
				)
				continue
			}

			if err != nil {
				w.logger.Error("Entry processing failed",
					slog.String("worker_name", workerName),
					slog.String("entry_id", msg.EntryID),
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)

				requeue := w.shouldRequeueEntry(err)
				if nackErr := channel.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
					w.logger.Error("Failed to NACK message",
						slog.String("worker_name", workerName),
						slog.String("entry_id", msg.EntryID),
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if ackErr := channel.Ack(msg.DeliveryTag, false); ackErr != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("worker_name", workerName),
					slog.String("entry_id", msg.EntryID),
					slog.String("error", ackErr.Error()),
				)
			}
		}
	}
}

// shouldRequeueEntry decides the NACK requeue flag. Scan failures are never
// requeued at the broker: the durable queue already rescheduled the entry
// with backoff, and a broker-level retry would race it. Only infrastructure
// failures that left the entry untouched in the database come back through
// the broker.
func (w *Worker) shouldRequeueEntry(err error) bool {
	// Entry not claimable means a duplicate or stale delivery; drop it.
	if errors.Is(err, domain.ErrEntryNotClaimable) {
		return false
	}

	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	// Default: don't requeue. The sweeper re-publishes any entry still due.
	return false
}
