package domain

import "time"

// JobStatus is the lifecycle state of a scan job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Priority bounds for scan jobs. Values outside the range are clamped.
const (
	MinPriority = 0
	MaxPriority = 10
)

// ClampPriority forces p into the [MinPriority, MaxPriority] range.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Job represents one file's scan request and its lifecycle record.
type Job struct {
	JobID       string     `db:"job_id"`
	Filename    string     `db:"filename"`
	StoredRef   string     `db:"stored_ref"`
	SizeBytes   int64      `db:"size_bytes"`
	ContentType string     `db:"content_type"`
	Checksum    string     `db:"checksum"`
	Status      JobStatus  `db:"status"`
	Priority    int        `db:"priority"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	LastError   string     `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// Terminal reports whether the job can no longer transition automatically.
// A failed job with attempts left is still eligible for redelivery.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled:
		return true
	case JobStatusFailed:
		return j.Attempts >= j.MaxAttempts
	}
	return false
}

// Retryable reports whether a failed job may re-enter processing.
func (j *Job) Retryable() bool {
	return j.Status == JobStatusFailed && j.Attempts < j.MaxAttempts
}

// CanTransition encodes the job state machine. Redelivery of a failed job
// with attempts left re-enters PROCESSING; cancel is reachable from PENDING
// and PROCESSING only.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusCancelled
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusCancelled
	case JobStatusFailed:
		return to == JobStatusProcessing
	}
	return false
}

// Stage is the coarse progress indicator derived from job status.
type Stage string

const (
	StageQueued   Stage = "queued"
	StageScanning Stage = "scanning"
	StageComplete Stage = "complete"
)

// StageFor maps a job status to its user-facing progress stage.
func StageFor(s JobStatus) Stage {
	switch s {
	case JobStatusPending:
		return StageQueued
	case JobStatusProcessing:
		return StageScanning
	default:
		return StageComplete
	}
}
