package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vqtran/scanpipe/internal/domain"
)

// Publisher pushes queue notifications onto the message broker. Satisfied by
// *rabbitmq.Client.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Message is the broker payload: a wake-up referencing a durable queue
// entry, never the job data itself. Consumers claim the most eligible
// waiting entry, which is not necessarily the one named here.
type Message struct {
	EntryID string `json:"entry_id"`
	JobID   string `json:"job_id"`
}

// Config holds dispatch queue tuning.
type Config struct {
	LeaseDuration time.Duration // how long a claim is valid without a heartbeat
	BackoffBase   time.Duration // first redelivery delay, doubled per attempt
	BackoffMax    time.Duration // ceiling for the redelivery delay
	MaxAttempts   int           // delivery attempts before an entry goes dead
	RenotifyAfter time.Duration // re-publish waiting entries not claimed by then
}

// Queue is the durable dispatch queue. Entries live in PostgreSQL, which is
// the source of truth for delivery state; the broker only carries wake-up
// references, so a lost message is recovered by the sweeper and a duplicate
// message is neutralised by the conditional claim.
type Queue struct {
	db        *sqlx.DB
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
}

// New creates a new Queue.
func New(db *sqlx.DB, publisher Publisher, cfg Config, logger *slog.Logger) *Queue {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RenotifyAfter <= 0 {
		cfg.RenotifyAfter = time.Minute
	}
	return &Queue{
		db:        db,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// MaxAttempts returns the delivery attempt ceiling new entries are created
// with unless overridden per entry.
func (q *Queue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

// BackoffDelay returns the redelivery delay after the given attempt number
// (1-based): base doubled per attempt, capped at max.
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// EnqueueOptions control scheduling of a new entry. MaxAttempts overrides
// the configured delivery ceiling when positive; callers creating a job and
// an entry together pass the job's ceiling so the two never diverge.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

const entryColumns = `entry_id, job_id, target, state, priority, attempt, max_attempts,
	run_at, lease_expires_at, notified_at, last_error, created_at, updated_at`

// Enqueue persists a new entry and, when it is immediately eligible,
// publishes a delivery notification. A delayed entry is promoted by the
// sweeper once its run_at arrives.
func (q *Queue) Enqueue(ctx context.Context, jobID, target string, opts EnqueueOptions) (string, error) {
	state := domain.EntryStateWaiting
	if opts.Delay > 0 {
		state = domain.EntryStateDelayed
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	entryID := uuid.New().String()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_entries (
			entry_id, job_id, target, state, priority, attempt, max_attempts,
			run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6, NOW() + ($7 * interval '1 millisecond'), NOW(), NOW())
	`,
		entryID,
		jobID,
		target,
		state,
		domain.ClampPriority(opts.Priority),
		maxAttempts,
		opts.Delay.Milliseconds(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: failed to enqueue entry: %v", domain.ErrQueue, err)
	}

	q.logger.Info("Entry enqueued",
		slog.String("entry_id", entryID),
		slog.String("job_id", jobID),
		slog.Int("priority", domain.ClampPriority(opts.Priority)),
		slog.Duration("delay", opts.Delay),
	)

	if state == domain.EntryStateWaiting {
		if err := q.notify(ctx, entryID, jobID); err != nil {
			// The entry is durable; the sweeper will re-publish it.
			q.logger.Warn("Failed to publish enqueue notification",
				slog.String("entry_id", entryID),
				slog.String("error", err.Error()),
			)
		}
	}

	return entryID, nil
}

// notify publishes an entry reference to the broker and stamps notified_at.
func (q *Queue) notify(ctx context.Context, entryID, jobID string) error {
	body, err := json.Marshal(Message{EntryID: entryID, JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if err := q.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`UPDATE queue_entries SET notified_at = NOW() WHERE entry_id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("failed to stamp notified_at: %w", err)
	}
	return nil
}

// ClaimNext takes a time-bounded lease on the most eligible waiting entry:
// highest priority first, FIFO within a priority band. The broker delivery
// that woke the caller is deliberately not trusted to pick the entry, so
// priority holds even when notifications reach the broker out of order.
// Only a WAITING entry whose run_at has arrived can be claimed, and never
// while the queue is paused; no claimable entry means the wake-up was a
// duplicate or stale and must be dropped by the caller.
func (q *Queue) ClaimNext(ctx context.Context) (*domain.QueueEntry, error) {
	query := `
		UPDATE queue_entries
		SET state = $1,
		    attempt = attempt + 1,
		    lease_expires_at = NOW() + ($2 * interval '1 millisecond'),
		    updated_at = NOW()
		WHERE entry_id = (
			SELECT entry_id
			FROM queue_entries
			WHERE state = $3
			  AND run_at <= NOW()
			  AND NOT (SELECT paused FROM queue_control WHERE singleton)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns

	var entry domain.QueueEntry
	err := q.db.GetContext(ctx, &entry, query,
		domain.EntryStateActive,
		q.cfg.LeaseDuration.Milliseconds(),
		domain.EntryStateWaiting,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEntryNotClaimable
		}
		return nil, fmt.Errorf("%w: failed to claim entry: %v", domain.ErrQueue, err)
	}

	q.logger.Debug("Entry claimed",
		slog.String("entry_id", entry.EntryID),
		slog.String("job_id", entry.JobID),
		slog.Int("attempt", entry.Attempt),
	)

	return &entry, nil
}

// Heartbeat renews the lease on an active entry. Long-running scans must
// call this before the lease expires or the sweeper will redeliver.
func (q *Queue) Heartbeat(ctx context.Context, entryID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET lease_expires_at = NOW() + ($1 * interval '1 millisecond'),
		    updated_at = NOW()
		WHERE entry_id = $2
		  AND state = $3
	`, q.cfg.LeaseDuration.Milliseconds(), entryID, domain.EntryStateActive)
	if err != nil {
		return fmt.Errorf("%w: failed to renew lease: %v", domain.ErrQueue, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		q.logger.Warn("Lease renewal - no rows affected (entry may have been reclaimed)",
			slog.String("entry_id", entryID),
		)
	}
	return nil
}

// Ack marks a delivered entry as consumed.
func (q *Queue) Ack(ctx context.Context, entryID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = $1,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE entry_id = $2
		  AND state = $3
	`, domain.EntryStateCompleted, entryID, domain.EntryStateActive)
	if err != nil {
		return fmt.Errorf("%w: failed to ack entry: %v", domain.ErrQueue, err)
	}
	return nil
}

// Fail records a failed delivery for an entry the caller holds. While the
// entry has attempts left it is rescheduled with exponential backoff;
// otherwise it joins the dead set and is never redelivered.
func (q *Queue) Fail(ctx context.Context, entry *domain.QueueEntry, reason string) error {
	if entry.Attempt >= entry.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE queue_entries
			SET state = $1,
			    lease_expires_at = NULL,
			    last_error = $2,
			    updated_at = NOW()
			WHERE entry_id = $3
			  AND state = $4
		`, domain.EntryStateDead, reason, entry.EntryID, domain.EntryStateActive)
		if err != nil {
			return fmt.Errorf("%w: failed to dead-letter entry: %v", domain.ErrQueue, err)
		}

		q.logger.Warn("Entry moved to dead set",
			slog.String("entry_id", entry.EntryID),
			slog.String("job_id", entry.JobID),
			slog.Int("attempt", entry.Attempt),
			slog.String("error", reason),
		)
		return nil
	}

	delay := BackoffDelay(q.cfg.BackoffBase, q.cfg.BackoffMax, entry.Attempt)
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = $1,
		    run_at = NOW() + ($2 * interval '1 millisecond'),
		    lease_expires_at = NULL,
		    notified_at = NULL,
		    last_error = $3,
		    updated_at = NOW()
		WHERE entry_id = $4
		  AND state = $5
	`, domain.EntryStateDelayed, delay.Milliseconds(), reason, entry.EntryID, domain.EntryStateActive)
	if err != nil {
		return fmt.Errorf("%w: failed to reschedule entry: %v", domain.ErrQueue, err)
	}

	q.logger.Info("Entry rescheduled with backoff",
		slog.String("entry_id", entry.EntryID),
		slog.String("job_id", entry.JobID),
		slog.Int("attempt", entry.Attempt),
		slog.Duration("delay", delay),
		slog.String("error", reason),
	)
	return nil
}

// Remove neutralises undelivered entries for a job, used on cancellation.
// An active entry is left alone; the job-side conditional transition handles
// a scan already in flight.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE job_id = $1
		  AND state IN ($2, $3)
	`, jobID, domain.EntryStateWaiting, domain.EntryStateDelayed)
	if err != nil {
		return fmt.Errorf("%w: failed to remove entries: %v", domain.ErrQueue, err)
	}
	return nil
}

// Position returns the best-effort number of waiting entries ahead of the
// given job. ok is false when the job has no waiting entry. The value is for
// status reporting only; concurrent claims race it.
func (q *Queue) Position(ctx context.Context, jobID string) (int, bool, error) {
	// The count is correlated to the target row, so a job with no waiting
	// entry yields zero rows rather than a spurious position 0.
	var pos int
	err := q.db.GetContext(ctx, &pos, `
		SELECT (
			SELECT COUNT(*)
			FROM queue_entries e
			WHERE e.state = $2
			  AND (e.priority > t.priority
			       OR (e.priority = t.priority AND e.created_at < t.created_at))
		)
		FROM (
			SELECT priority, created_at
			FROM queue_entries
			WHERE job_id = $1 AND state = $2
			LIMIT 1
		) t
	`, jobID, domain.EntryStateWaiting)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: failed to compute position: %v", domain.ErrQueue, err)
	}
	return pos, true, nil
}

// Stats returns entry counts per delivery state.
func (q *Queue) Stats(ctx context.Context) (*domain.QueueStats, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT state, COUNT(*)
		FROM queue_entries
		GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read stats: %v", domain.ErrQueue, err)
	}
	defer rows.Close()

	stats := &domain.QueueStats{}
	for rows.Next() {
		var state domain.EntryState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		switch state {
		case domain.EntryStateWaiting:
			stats.Waiting = count
		case domain.EntryStateActive:
			stats.Active = count
		case domain.EntryStateCompleted:
			stats.Completed = count
		case domain.EntryStateDead:
			stats.Failed = count
		case domain.EntryStateDelayed:
			stats.Delayed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stats rows: %w", err)
	}
	return stats, nil
}

// Pause stops delivery without losing entries. The flag is durable so every
// process attached to the queue observes it.
func (q *Queue) Pause(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `UPDATE queue_control SET paused = TRUE WHERE singleton`)
	if err != nil {
		return fmt.Errorf("%w: failed to pause queue: %v", domain.ErrQueue, err)
	}
	q.logger.Info("Queue paused")
	return nil
}

// Resume re-enables delivery.
func (q *Queue) Resume(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `UPDATE queue_control SET paused = FALSE WHERE singleton`)
	if err != nil {
		return fmt.Errorf("%w: failed to resume queue: %v", domain.ErrQueue, err)
	}
	q.logger.Info("Queue resumed")
	return nil
}

// Paused reports the current delivery flag.
func (q *Queue) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := q.db.GetContext(ctx, &paused, `SELECT paused FROM queue_control WHERE singleton`)
	if err != nil {
		return false, fmt.Errorf("%w: failed to read pause flag: %v", domain.ErrQueue, err)
	}
	return paused, nil
}

// Clean prunes old consumed or dead entries in bounded batches. WAITING,
// DELAYED and ACTIVE entries are never pruned. Returns the rows deleted.
func (q *Queue) Clean(ctx context.Context, state domain.EntryState, maxAge time.Duration, batchSize int) (int64, error) {
	if state != domain.EntryStateCompleted && state != domain.EntryStateDead {
		return 0, fmt.Errorf("%w: cannot clean entries in state %s", domain.ErrQueue, state)
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE entry_id IN (
			SELECT entry_id FROM queue_entries
			WHERE state = $1
			  AND updated_at < NOW() - ($2 * interval '1 millisecond')
			ORDER BY updated_at ASC
			LIMIT $3
		)
	`, state, maxAge.Milliseconds(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to clean entries: %v", domain.ErrQueue, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		q.logger.Info("Queue entries pruned",
			slog.String("state", string(state)),
			slog.Int64("deleted", rows),
		)
	}
	return rows, nil
}

// Ping checks queue persistence reachability for the health endpoint.
func (q *Queue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}
