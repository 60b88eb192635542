package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vqtran/scanpipe/internal/detector"
	"github.com/vqtran/scanpipe/internal/domain"
)

// processEntry runs one delivery end to end: lease the entry, claim the job,
// scan the file and persist the outcome. Every state change along the way is
// a conditional update, so invoking this twice for the same delivery cannot
// double-count an attempt or write a second result. A nil return means the
// broker message is consumed; a RetryableError hands it back for redelivery.
func (w *Worker) processEntry(ctx context.Context, msg *entryMessage) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return domain.NewRetryableError(fmt.Errorf("rate limiter interrupted: %w", err))
	}

	// Step 1: lease the best eligible entry. The broker delivery is only a
	// wake-up; which entry runs is the queue's decision, highest priority
	// first, so broker arrival order cannot override priority. No claimable
	// entry means the wake-up was a duplicate or everything due is taken.
	entry, err := w.queue.ClaimNext(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrEntryNotClaimable) {
			w.logger.Debug("No claimable entry, dropping wake-up",
				slog.String("entry_id", msg.EntryID),
			)
			return nil
		}
		// The entry is untouched in the database; let the broker retry.
		return domain.NewRetryableError(fmt.Errorf("failed to claim entry: %w", err))
	}

	// Step 2: claim the job (attempts += 1, started_at stamped once). A job
	// that is cancelled, completed or out of attempts is not claimable; the
	// entry is consumed with nothing to do.
	job, err := w.store.MarkProcessing(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotClaimable) || errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("Job not claimable, consuming entry",
				slog.String("entry_id", entry.EntryID),
				slog.String("job_id", entry.JobID),
				slog.String("reason", err.Error()),
			)
			return w.ackEntry(ctx, entry.EntryID)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	// Step 3: the stored file must still exist before the daemon is asked to
	// scan it. A vanished file consumes the attempt; if the file reappears a
	// redelivery picks the job back up.
	exists, err := w.files.Exists(entry.Target)
	if err != nil {
		return w.failAttempt(ctx, entry, job, fmt.Sprintf("storage check failed: %s", err.Error()))
	}
	if !exists {
		return w.failAttempt(ctx, entry, job,
			fmt.Sprintf("%s: %s", domain.ErrFileMissing.Error(), entry.Target))
	}

	// Step 4: scan with a heartbeat renewing the lease for the duration.
	scanCtx, cancel := context.WithTimeout(ctx, w.scanTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.renewLease(scanCtx, entry.EntryID, heartbeatDone)

	report, err := w.detector.Inspect(scanCtx, w.files.Path(entry.Target))
	close(heartbeatDone)
	if err != nil {
		return w.failAttempt(ctx, entry, job, classifyScanError(err))
	}

	// Step 5: persist the result and the terminal transition in one
	// transaction.
	result := buildResult(report)
	if err := w.store.CompleteWithResult(ctx, job.JobID, result); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			// Cancelled mid-scan or a racing delivery won; its outcome stands.
			w.logger.Warn("Terminal transition lost, discarding scan outcome",
				slog.String("job_id", job.JobID),
			)
			return w.ackEntry(ctx, entry.EntryID)
		}
		return w.failAttempt(ctx, entry, job,
			fmt.Sprintf("failed to persist result: %s", err.Error()))
	}

	w.logger.Info("Scan finished",
		slog.String("job_id", job.JobID),
		slog.String("filename", job.Filename),
		slog.Bool("infected", report.Infected),
		slog.Duration("duration", report.Duration),
		slog.Int("attempt", job.Attempts),
	)

	return w.ackEntry(ctx, entry.EntryID)
}

// failAttempt records the failed attempt on the job and hands the entry back
// to the queue, which reschedules with backoff or dead-letters it.
func (w *Worker) failAttempt(ctx context.Context, entry *domain.QueueEntry, job *domain.Job, reason string) error {
	if _, err := w.store.MarkFailed(ctx, job.JobID, reason); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			// The job reached a terminal state underneath us (cancel).
			return w.ackEntry(ctx, entry.EntryID)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to record job failure: %w", err))
	}

	if err := w.queue.Fail(ctx, entry, reason); err != nil {
		// The job already carries the failure; the sweeper reclaims the
		// entry once its lease expires.
		w.logger.Error("Failed to hand entry back to queue",
			slog.String("entry_id", entry.EntryID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ackEntry consumes the durable entry. An ack failure is logged only: the
// lease expires and the sweeper redelivers, where the conditional job claim
// finds nothing left to do.
func (w *Worker) ackEntry(ctx context.Context, entryID string) error {
	if err := w.queue.Ack(ctx, entryID); err != nil {
		w.logger.Warn("Failed to ack entry",
			slog.String("entry_id", entryID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// renewLease keeps the entry lease alive while a scan runs.
func (w *Worker) renewLease(ctx context.Context, entryID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, entryID); err != nil {
				w.logger.Warn("Failed to renew entry lease",
					slog.String("entry_id", entryID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// classifyScanError renders a scan failure as the job's error message,
// keeping the taxonomy visible to status queries.
func classifyScanError(err error) string {
	switch {
	case errors.Is(err, domain.ErrFileMissing):
		return fmt.Sprintf("%s: %s", domain.ErrFileMissing.Error(), err.Error())
	case errors.Is(err, domain.ErrDetectorUnavailable):
		return err.Error()
	case errors.Is(err, domain.ErrDetectorError):
		return err.Error()
	default:
		return fmt.Sprintf("scan failed: %s", err.Error())
	}
}

// buildResult maps a detector report onto the persisted scan result.
func buildResult(report *detector.Report) *domain.ScanResultInput {
	in := &domain.ScanResultInput{
		Outcome:            domain.OutcomeClean,
		DetectorVersion:    report.DetectorVersion,
		DefinitionsVersion: report.DefinitionsVersion,
		ScanDurationMs:     report.Duration.Milliseconds(),
	}

	if report.Infected {
		in.Outcome = domain.OutcomeInfected
		in.IsInfected = true
		if len(report.Threats) > 0 {
			in.ThreatName = report.Threats[0]
			in.ThreatCategory = threatCategory(report.Threats[0])
		}
		if len(report.Threats) > 1 {
			in.ThreatDescription = strings.Join(report.Threats, ", ")
		}
	}

	return in
}

// threatCategory derives the signature family from a ClamAV signature name,
// e.g. "Win.Trojan.Agent-123" yields "Win.Trojan".
func threatCategory(signature string) string {
	parts := strings.Split(signature, ".")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[:2], ".")
}
