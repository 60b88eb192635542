package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vqtran/scanpipe/internal/domain"
)

// Store handles all database operations for jobs and scan results. It is the
// source of truth for job status; nothing outside this package writes to the
// jobs table.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a new Store instance.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// CreateJobInput carries the fields required to create a job.
type CreateJobInput struct {
	Filename    string
	StoredRef   string
	SizeBytes   int64
	ContentType string
	Checksum    string
	Priority    int
	MaxAttempts int
}

func (in *CreateJobInput) validate() error {
	var missing []string
	if in.Filename == "" {
		missing = append(missing, "filename")
	}
	if in.StoredRef == "" {
		missing = append(missing, "stored_ref")
	}
	if in.SizeBytes <= 0 {
		missing = append(missing, "size_bytes")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// CreateJob inserts a new job in PENDING status and returns it.
func (s *Store) CreateJob(ctx context.Context, in *CreateJobInput) (*domain.Job, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	query := `
		INSERT INTO jobs (
			job_id, filename, stored_ref, size_bytes, content_type, checksum,
			status, priority, attempts, max_attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, NOW(), NOW())
		RETURNING job_id, filename, stored_ref, size_bytes, content_type, checksum,
			status, priority, attempts, max_attempts, last_error,
			created_at, updated_at, started_at, completed_at
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		uuid.New().String(),
		in.Filename,
		in.StoredRef,
		in.SizeBytes,
		in.ContentType,
		in.Checksum,
		domain.JobStatusPending,
		domain.ClampPriority(in.Priority),
		maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("filename", job.Filename),
		slog.Int("priority", job.Priority),
	)

	return &job, nil
}

const jobColumns = `job_id, filename, stored_ref, size_bytes, content_type, checksum,
	status, priority, attempts, max_attempts, last_error,
	created_at, updated_at, started_at, completed_at`

// GetJob retrieves a job by its ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := s.db.GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// MarkProcessing transitions a job into PROCESSING, incrementing the attempt
// counter exactly once per claim. Terminal jobs and jobs out of attempts are
// never claimable. A job already in PROCESSING is claimable: that state is
// reached on redelivery after a lease expired mid-scan, and the new delivery
// is a fresh attempt. Duplicate deliveries inside one lease are fenced by the
// queue entry claim, not here, so attempts counts one increment per delivery
// the queue actually handed out.
func (s *Store) MarkProcessing(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    attempts = attempts + 1,
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $4, $1)
		  AND attempts < max_attempts
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusProcessing, jobID,
		domain.JobStatusPending, domain.JobStatusFailed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetJob(ctx, jobID); errors.Is(getErr, domain.ErrJobNotFound) {
				return nil, domain.ErrJobNotFound
			}
			return nil, domain.ErrJobNotClaimable
		}
		return nil, fmt.Errorf("failed to mark job processing: %w", err)
	}

	s.logger.Info("Job claimed for processing",
		slog.String("job_id", job.JobID),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	return &job, nil
}

// MarkFailed records a failed attempt. completed_at is stamped only when the
// job has exhausted its attempts; otherwise it remains eligible for
// redelivery.
func (s *Store) MarkFailed(ctx context.Context, jobID, errorMessage string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    last_error = $2,
		    completed_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusFailed, errorMessage, jobID, domain.JobStatusProcessing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetJob(ctx, jobID); errors.Is(getErr, domain.ErrJobNotFound) {
				return nil, domain.ErrJobNotFound
			}
			return nil, domain.ErrStaleTransition
		}
		return nil, fmt.Errorf("failed to mark job failed: %w", err)
	}

	s.logger.Warn("Job attempt failed",
		slog.String("job_id", job.JobID),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.String("error", errorMessage),
	)

	return &job, nil
}

// Cancel transitions a PENDING or PROCESSING job into CANCELLED. A job
// mid-scan keeps running; the worker's terminal transition will lose the
// conditional update and leave the cancellation in place.
func (s *Store) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $4)
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusCancelled, jobID,
		domain.JobStatusPending, domain.JobStatusProcessing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetJob(ctx, jobID); errors.Is(getErr, domain.ErrJobNotFound) {
				return nil, domain.ErrJobNotFound
			}
			return nil, domain.ErrStaleTransition
		}
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	s.logger.Info("Job cancelled", slog.String("job_id", job.JobID))
	return &job, nil
}

// FailSubmission terminally fails a PENDING job whose enqueue never
// succeeded, so submission can never leave an orphaned pending job behind.
// Attempts are exhausted in the same update because no queue entry exists to
// redeliver it.
func (s *Store) FailSubmission(ctx context.Context, jobID, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
		    attempts = max_attempts,
		    last_error = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
	`, domain.JobStatusFailed, errorMessage, jobID, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to fail submission: %w", err)
	}

	s.logger.Error("Submission failed before enqueue",
		slog.String("job_id", jobID),
		slog.String("error", errorMessage),
	)
	return nil
}

// CompleteWithResult persists the scan result and transitions the job to
// COMPLETED in a single transaction. The conditional update on status is the
// fence against duplicate deliveries: if the job is no longer PROCESSING the
// transaction rolls back and no result row is written, so a reader can never
// observe a completed job without its result nor a second result for the
// same job.
func (s *Store) CompleteWithResult(ctx context.Context, jobID string, in *domain.ScanResultInput) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
	`, domain.JobStatusCompleted, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.GetJob(ctx, jobID); errors.Is(getErr, domain.ErrJobNotFound) {
			return domain.ErrJobNotFound
		}
		return domain.ErrStaleTransition
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scan_results (
			result_id, job_id, outcome, is_infected,
			threat_name, threat_category, threat_description,
			detector_version, definitions_version, scan_duration_ms, scanned_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`,
		uuid.New().String(),
		jobID,
		in.Outcome,
		in.IsInfected,
		in.ThreatName,
		in.ThreatCategory,
		in.ThreatDescription,
		in.DetectorVersion,
		in.DefinitionsVersion,
		in.ScanDurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scan result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}

	s.logger.Info("Job completed with result",
		slog.String("job_id", jobID),
		slog.String("outcome", string(in.Outcome)),
		slog.Bool("is_infected", in.IsInfected),
	)

	return nil
}

// GetResult returns the scan result for a job, if one exists.
func (s *Store) GetResult(ctx context.Context, jobID string) (*domain.ScanResult, error) {
	var result domain.ScanResult
	err := s.db.GetContext(ctx, &result, `
		SELECT result_id, job_id, outcome, is_infected,
			threat_name, threat_category, threat_description,
			detector_version, definitions_version, scan_duration_ms, scanned_at
		FROM scan_results
		WHERE job_id = $1
	`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get scan result: %w", err)
	}
	return &result, nil
}

// ListPending returns pending jobs ordered by priority (higher first) then
// creation time (FIFO within a priority band).
func (s *Store) ListPending(ctx context.Context, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`, domain.JobStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	return jobs, nil
}

// ListRetryable returns failed jobs that still have attempts left, oldest
// update first.
func (s *Store) ListRetryable(ctx context.Context, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1
		  AND attempts < max_attempts
		ORDER BY updated_at ASC
		LIMIT $2
	`, domain.JobStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable jobs: %w", err)
	}
	return jobs, nil
}

// InfectedRow joins a job with its infected scan result for reporting.
type InfectedRow struct {
	domain.Job
	ThreatName         string    `db:"threat_name"`
	ThreatCategory     string    `db:"threat_category"`
	DetectorVersion    string    `db:"detector_version"`
	DefinitionsVersion string    `db:"definitions_version"`
	ScannedAt          time.Time `db:"scanned_at"`
}

// ListInfected returns infected scans, newest first, with the total count
// for pagination.
func (s *Store) ListInfected(ctx context.Context, page, pageSize int) ([]InfectedRow, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int
	err := s.db.GetContext(ctx, &total, `
		SELECT COUNT(*)
		FROM scan_results
		WHERE is_infected = TRUE
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count infected results: %w", err)
	}

	var rows []InfectedRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT j.job_id, j.filename, j.stored_ref, j.size_bytes, j.content_type, j.checksum,
			j.status, j.priority, j.attempts, j.max_attempts, j.last_error,
			j.created_at, j.updated_at, j.started_at, j.completed_at,
			r.threat_name, r.threat_category, r.detector_version, r.definitions_version, r.scanned_at
		FROM scan_results r
		JOIN jobs j ON j.job_id = r.job_id
		WHERE r.is_infected = TRUE
		ORDER BY r.scanned_at DESC
		LIMIT $1 OFFSET $2
	`, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list infected results: %w", err)
	}

	return rows, total, nil
}

// Ping checks store reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
