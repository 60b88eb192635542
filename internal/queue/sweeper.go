package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vqtran/scanpipe/internal/domain"
)

// RunSweeper periodically promotes due delayed entries, reclaims expired
// leases and re-publishes waiting entries whose notification may have been
// lost. It is the recovery half of the at-least-once delivery guarantee and
// blocks until ctx is cancelled. Safe to run in more than one process:
// promotions are conditional updates and duplicate notifications are
// neutralised by the claim.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	q.logger.Info("Queue sweeper started",
		slog.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Queue sweeper stopped")
			return
		case <-ticker.C:
			if err := q.sweepOnce(ctx); err != nil {
				q.logger.Error("Queue sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (q *Queue) sweepOnce(ctx context.Context) error {
	if err := q.promoteDelayed(ctx); err != nil {
		return err
	}
	if err := q.reclaimExpired(ctx); err != nil {
		return err
	}
	return q.redeliverWaiting(ctx)
}

// promoteDelayed moves delayed entries whose run_at has arrived back to
// WAITING so they become eligible for delivery.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = $1,
		    notified_at = NULL,
		    updated_at = NOW()
		WHERE state = $2
		  AND run_at <= NOW()
	`, domain.EntryStateWaiting, domain.EntryStateDelayed)
	if err != nil {
		return fmt.Errorf("failed to promote delayed entries: %w", err)
	}

	if rows, _ := res.RowsAffected(); rows > 0 {
		q.logger.Debug("Delayed entries promoted", slog.Int64("count", rows))
	}
	return nil
}

// reclaimExpired returns entries whose lease ran out to WAITING. The worker
// that held the lease may still finish; its terminal transition on the job
// is conditional, so the redelivered entry finds nothing left to do.
func (q *Queue) reclaimExpired(ctx context.Context) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = $1,
		    lease_expires_at = NULL,
		    notified_at = NULL,
		    updated_at = NOW()
		WHERE state = $2
		  AND lease_expires_at < NOW()
	`, domain.EntryStateWaiting, domain.EntryStateActive)
	if err != nil {
		return fmt.Errorf("failed to reclaim expired leases: %w", err)
	}

	if rows, _ := res.RowsAffected(); rows > 0 {
		q.logger.Warn("Stalled entries reclaimed", slog.Int64("count", rows))
	}
	return nil
}

// redeliverWaiting publishes notifications for eligible waiting entries that
// were never notified, or whose notification went unclaimed long enough to
// assume it was lost. Concurrent sweepers may publish the same entry twice;
// a surplus wake-up finds nothing to claim and is dropped.
func (q *Queue) redeliverWaiting(ctx context.Context) error {
	paused, err := q.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return nil
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT entry_id, job_id
		FROM queue_entries
		WHERE state = $1
		  AND run_at <= NOW()
		  AND (notified_at IS NULL OR notified_at < NOW() - ($2 * interval '1 millisecond'))
		ORDER BY priority DESC, created_at ASC
		LIMIT 100
	`, domain.EntryStateWaiting, q.cfg.RenotifyAfter.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to select entries for redelivery: %w", err)
	}
	defer rows.Close()

	type ref struct{ entryID, jobID string }
	var due []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.entryID, &r.jobID); err != nil {
			return fmt.Errorf("failed to scan entry for redelivery: %w", err)
		}
		due = append(due, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate entries for redelivery: %w", err)
	}

	for _, r := range due {
		if err := q.notify(ctx, r.entryID, r.jobID); err != nil {
			q.logger.Warn("Failed to re-publish entry",
				slog.String("entry_id", r.entryID),
				slog.String("error", err.Error()),
			)
			continue
		}
		q.logger.Debug("Entry re-published",
			slog.String("entry_id", r.entryID),
			slog.String("job_id", r.jobID),
		)
	}
	return nil
}
