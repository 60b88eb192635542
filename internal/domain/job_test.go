package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampPriority(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{name: "below minimum", in: -5, want: 0},
		{name: "minimum", in: 0, want: 0},
		{name: "in range", in: 5, want: 5},
		{name: "maximum", in: 10, want: 10},
		{name: "above maximum", in: 42, want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampPriority(tt.in))
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobStatus
		to   JobStatus
		want bool
	}{
		{name: "pending to processing", from: JobStatusPending, to: JobStatusProcessing, want: true},
		{name: "pending to cancelled", from: JobStatusPending, to: JobStatusCancelled, want: true},
		{name: "pending to completed", from: JobStatusPending, to: JobStatusCompleted, want: false},
		{name: "processing to completed", from: JobStatusProcessing, to: JobStatusCompleted, want: true},
		{name: "processing to failed", from: JobStatusProcessing, to: JobStatusFailed, want: true},
		{name: "processing to cancelled", from: JobStatusProcessing, to: JobStatusCancelled, want: true},
		{name: "failed redelivery", from: JobStatusFailed, to: JobStatusProcessing, want: true},
		{name: "failed to completed directly", from: JobStatusFailed, to: JobStatusCompleted, want: false},
		{name: "completed is terminal", from: JobStatusCompleted, to: JobStatusProcessing, want: false},
		{name: "cancelled is terminal", from: JobStatusCancelled, to: JobStatusProcessing, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJobTerminal(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{name: "pending", job: Job{Status: JobStatusPending}, want: false},
		{name: "processing", job: Job{Status: JobStatusProcessing}, want: false},
		{name: "completed", job: Job{Status: JobStatusCompleted}, want: true},
		{name: "cancelled", job: Job{Status: JobStatusCancelled}, want: true},
		{name: "failed with attempts left", job: Job{Status: JobStatusFailed, Attempts: 1, MaxAttempts: 3}, want: false},
		{name: "failed exhausted", job: Job{Status: JobStatusFailed, Attempts: 3, MaxAttempts: 3}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.Terminal())
		})
	}
}

func TestJobRetryable(t *testing.T) {
	assert.True(t, (&Job{Status: JobStatusFailed, Attempts: 2, MaxAttempts: 3}).Retryable())
	assert.False(t, (&Job{Status: JobStatusFailed, Attempts: 3, MaxAttempts: 3}).Retryable())
	assert.False(t, (&Job{Status: JobStatusProcessing, Attempts: 1, MaxAttempts: 3}).Retryable())
}

func TestStageFor(t *testing.T) {
	assert.Equal(t, StageQueued, StageFor(JobStatusPending))
	assert.Equal(t, StageScanning, StageFor(JobStatusProcessing))
	assert.Equal(t, StageComplete, StageFor(JobStatusCompleted))
	assert.Equal(t, StageComplete, StageFor(JobStatusFailed))
	assert.Equal(t, StageComplete, StageFor(JobStatusCancelled))
}

func TestStatusValid(t *testing.T) {
	for _, s := range []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		assert.True(t, s.Valid())
	}
	assert.False(t, JobStatus("RUNNING").Valid())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewRetryableError(ErrQueue)))
	assert.False(t, IsRetryable(ErrQueue))
	assert.False(t, IsRetryable(nil))
}
