package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vqtran/scanpipe/internal/queue"
)

// setupConsumer configures QoS on the broker channel and starts consuming
// entry notifications.
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// Prefetch bounds the number of unacknowledged deliveries per consumer
	// so one slow scan does not hoard the whole queue.
	err := channel.Qos(
		w.prefetchCount, // prefetch count
		0,               // prefetch size
		false,           // global
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.rabbitClient.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("worker_id", w.workerID),
	)

	return deliveries, nil
}

// startMessageDispatcher reads broker deliveries, parses the entry reference
// and hands it to the worker pool. A delivery carries only ids; the durable
// queue_entries row is the source of truth, so a malformed message is dropped
// without requeue and the sweeper re-publishes the entry if it is still due.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg queue.Message
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Failed to parse queue message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if _, err := uuid.Parse(msg.EntryID); err != nil {
				w.logger.Error("Invalid entry_id in queue message",
					slog.String("entry_id", msg.EntryID),
					slog.String("error", err.Error()),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK message with invalid entry_id",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			entryMsg := &entryMessage{
				EntryID:     msg.EntryID,
				JobID:       msg.JobID,
				DeliveryTag: delivery.DeliveryTag,
			}

			select {
			case w.jobsChan <- entryMsg:
				w.logger.Debug("Entry dispatched to worker pool",
					slog.String("entry_id", msg.EntryID),
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching entry")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}
