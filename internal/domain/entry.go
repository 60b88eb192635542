package domain

import "time"

// EntryState is the delivery state of a queue entry. It is independent from
// the job status: the entry tracks delivery, the job tracks the scan.
type EntryState string

const (
	EntryStateWaiting   EntryState = "WAITING"
	EntryStateActive    EntryState = "ACTIVE"
	EntryStateDelayed   EntryState = "DELAYED"
	EntryStateCompleted EntryState = "COMPLETED"
	EntryStateDead      EntryState = "DEAD"
)

// QueueEntry is the durable reference handed to workers. Delivery is
// at-least-once; the conditional claim on the entry is what keeps a duplicate
// delivery from double-processing.
type QueueEntry struct {
	EntryID        string     `db:"entry_id"`
	JobID          string     `db:"job_id"`
	Target         string     `db:"target"`
	State          EntryState `db:"state"`
	Priority       int        `db:"priority"`
	Attempt        int        `db:"attempt"`
	MaxAttempts    int        `db:"max_attempts"`
	RunAt          time.Time  `db:"run_at"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	NotifiedAt     *time.Time `db:"notified_at"`
	LastError      string     `db:"last_error"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// QueueStats are best-effort counters over the entry table.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}
