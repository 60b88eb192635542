package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database.
	ErrJobNotFound = errors.New("job not found")

	// ErrValidation is returned when a create/submit request is missing
	// required fields or carries malformed values.
	ErrValidation = errors.New("validation failed")

	// ErrJobNotClaimable is returned when a job cannot enter PROCESSING:
	// it is already claimed, terminal, or out of attempts.
	ErrJobNotClaimable = errors.New("job not claimable")

	// ErrStaleTransition is returned when a terminal transition raced an
	// earlier delivery and lost. The earlier delivery's outcome stands.
	ErrStaleTransition = errors.New("job already reached a terminal state")

	// ErrFileMissing is returned when the stored file vanished between
	// enqueue and pickup.
	ErrFileMissing = errors.New("stored file missing")

	// ErrDetectorUnavailable indicates a connection-level failure talking to
	// the scan daemon, as opposed to a scan-specific error.
	ErrDetectorUnavailable = errors.New("detector unavailable")

	// ErrDetectorError indicates the daemon rejected or failed to scan the
	// content itself.
	ErrDetectorError = errors.New("detector scan error")

	// ErrEntryNotClaimable is returned when a queue entry is not in a
	// deliverable state (already active, finished, or the queue is paused).
	ErrEntryNotClaimable = errors.New("queue entry not claimable")

	// ErrStorage wraps file storage failures.
	ErrStorage = errors.New("storage error")

	// ErrQueue wraps dispatch queue infrastructure failures.
	ErrQueue = errors.New("queue error")
)

// RetryableError wraps transient errors that should trigger a redelivery.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err should be handed back to the queue for
// redelivery rather than treated as a permanent failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
