package scanner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vqtran/scanpipe/internal/domain"
	"github.com/vqtran/scanpipe/internal/queue"
	"github.com/vqtran/scanpipe/internal/store"
)

// JobStore is the slice of the job store the service needs.
type JobStore interface {
	CreateJob(ctx context.Context, in *store.CreateJobInput) (*domain.Job, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetResult(ctx context.Context, jobID string) (*domain.ScanResult, error)
	Cancel(ctx context.Context, jobID string) (*domain.Job, error)
	FailSubmission(ctx context.Context, jobID, errorMessage string) error
	ListInfected(ctx context.Context, page, pageSize int) ([]store.InfectedRow, int, error)
	Ping(ctx context.Context) error
}

// Dispatch is the slice of the dispatch queue the service needs.
type Dispatch interface {
	Enqueue(ctx context.Context, jobID, target string, opts queue.EnqueueOptions) (string, error)
	MaxAttempts() int
	Remove(ctx context.Context, jobID string) error
	Position(ctx context.Context, jobID string) (int, bool, error)
	Stats(ctx context.Context) (*domain.QueueStats, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Ping(ctx context.Context) error
}

// HealthProber reports detector daemon reachability.
type HealthProber interface {
	Healthy(ctx context.Context) bool
}

// Service is the surface exposed to the HTTP layer: submission, status,
// reporting and health.
type Service struct {
	store    JobStore
	dispatch Dispatch
	prober   HealthProber
	logger   *slog.Logger
}

// New creates a new Service.
func New(jobStore JobStore, dispatch Dispatch, prober HealthProber, logger *slog.Logger) *Service {
	return &Service{
		store:    jobStore,
		dispatch: dispatch,
		prober:   prober,
		logger:   logger,
	}
}

// SubmitInput describes an already-stored upload to be scanned. A zero
// MaxAttempts takes the dispatch queue's configured ceiling.
type SubmitInput struct {
	Filename    string
	StoredRef   string
	SizeBytes   int64
	ContentType string
	Checksum    string
	Priority    int
	MaxAttempts int
}

// Submit creates a job and enqueues it in one logical operation. Submission
// succeeds even while the detector is down; the job simply waits in the
// queue. If the enqueue itself fails the job is terminally failed so it is
// never left orphaned in PENDING.
func (s *Service) Submit(ctx context.Context, in *SubmitInput) (*domain.Job, error) {
	// Job and entry must carry the same ceiling, or the entry could
	// dead-letter while the job still advertises attempts left and is never
	// redelivered.
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.dispatch.MaxAttempts()
	}

	job, err := s.store.CreateJob(ctx, &store.CreateJobInput{
		Filename:    in.Filename,
		StoredRef:   in.StoredRef,
		SizeBytes:   in.SizeBytes,
		ContentType: in.ContentType,
		Checksum:    in.Checksum,
		Priority:    in.Priority,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return nil, err
	}

	_, err = s.dispatch.Enqueue(ctx, job.JobID, job.StoredRef, queue.EnqueueOptions{
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
	})
	if err != nil {
		if failErr := s.store.FailSubmission(ctx, job.JobID, fmt.Sprintf("enqueue failed: %s", err.Error())); failErr != nil {
			s.logger.Error("Failed to roll back submission",
				slog.String("job_id", job.JobID),
				slog.String("error", failErr.Error()),
			)
		}
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}

	s.logger.Info("Scan submitted",
		slog.String("job_id", job.JobID),
		slog.String("filename", job.Filename),
		slog.Int("priority", job.Priority),
	)

	return job, nil
}

// Status is the user-facing view of a job.
type Status struct {
	Job           *domain.Job
	Stage         domain.Stage
	QueuePosition *int
	Result        *domain.ScanResult
}

// GetStatus returns the latest known state of a job: status plus derived
// stage, the best-effort queue position while pending, and the scan result
// once completed.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*Status, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Job:   job,
		Stage: domain.StageFor(job.Status),
	}

	if job.Status == domain.JobStatusPending {
		if pos, ok, err := s.dispatch.Position(ctx, jobID); err != nil {
			s.logger.Warn("Failed to compute queue position",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		} else if ok {
			st.QueuePosition = &pos
		}
	}

	if job.Status == domain.JobStatusCompleted {
		result, err := s.store.GetResult(ctx, jobID)
		if err != nil {
			// A completed job without a result breaks the store's
			// transactional contract; surface it loudly.
			return nil, fmt.Errorf("completed job %s has no scan result: %w", jobID, err)
		}
		st.Result = result
	}

	return st, nil
}

// Cancel cancels a pending or processing job and neutralises its
// undelivered queue entries. Cancelling a job mid-scan is best-effort: the
// worker's terminal transition loses against the recorded cancellation.
func (s *Service) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.store.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := s.dispatch.Remove(ctx, jobID); err != nil {
		s.logger.Warn("Failed to remove queue entries for cancelled job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	return job, nil
}

// InfectedPage is one page of infected scan results.
type InfectedPage struct {
	Rows     []store.InfectedRow
	Total    int
	Page     int
	PageSize int
}

// ListInfected returns infected scans, newest first.
func (s *Service) ListInfected(ctx context.Context, page, pageSize int) (*InfectedPage, error) {
	rows, total, err := s.store.ListInfected(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &InfectedPage{
		Rows:     rows,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// QueueStats returns the dispatch queue counters.
func (s *Service) QueueStats(ctx context.Context) (*domain.QueueStats, error) {
	return s.dispatch.Stats(ctx)
}

// PauseQueue stops entry delivery without losing entries.
func (s *Service) PauseQueue(ctx context.Context) error {
	return s.dispatch.Pause(ctx)
}

// ResumeQueue re-enables entry delivery.
func (s *Service) ResumeQueue(ctx context.Context) error {
	return s.dispatch.Resume(ctx)
}

// Health is the aggregate health signal. Store and queue are required;
// detector reachability is reported but a down daemon does not make the
// service unhealthy, since submissions still queue up.
type Health struct {
	Healthy  bool `json:"healthy"`
	Store    bool `json:"store"`
	Queue    bool `json:"queue"`
	Detector bool `json:"detector"`
}

// CheckHealth probes the collaborators.
func (s *Service) CheckHealth(ctx context.Context) *Health {
	h := &Health{
		Store:    s.store.Ping(ctx) == nil,
		Queue:    s.dispatch.Ping(ctx) == nil,
		Detector: s.prober.Healthy(ctx),
	}
	h.Healthy = h.Store && h.Queue
	return h
}
