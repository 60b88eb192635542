package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vqtran/scanpipe/internal/domain"
)

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Second
	max := 10 * time.Minute

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "attempt below one clamps", attempt: 0, want: 5 * time.Second},
		{name: "first attempt", attempt: 1, want: 5 * time.Second},
		{name: "second attempt doubles", attempt: 2, want: 10 * time.Second},
		{name: "third attempt doubles again", attempt: 3, want: 20 * time.Second},
		{name: "sixth attempt", attempt: 6, want: 160 * time.Second},
		{name: "large attempt capped", attempt: 20, want: 10 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BackoffDelay(base, max, tt.attempt))
		})
	}
}

func TestBackoffDelayBaseAboveMax(t *testing.T) {
	// A misconfigured base larger than max still honors the cap.
	assert.Equal(t, time.Second, BackoffDelay(5*time.Second, time.Second, 1))
}

func TestCleanRejectsLiveStates(t *testing.T) {
	q := &Queue{}

	for _, state := range []domain.EntryState{
		domain.EntryStateWaiting,
		domain.EntryStateActive,
		domain.EntryStateDelayed,
	} {
		_, err := q.Clean(context.Background(), state, time.Hour, 100)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrQueue)
	}
}

func TestConfigDefaults(t *testing.T) {
	q := New(nil, nil, Config{}, nil)

	assert.Equal(t, 2*time.Minute, q.cfg.LeaseDuration)
	assert.Equal(t, 5*time.Second, q.cfg.BackoffBase)
	assert.Equal(t, 10*time.Minute, q.cfg.BackoffMax)
	assert.Equal(t, 3, q.cfg.MaxAttempts)
	assert.Equal(t, time.Minute, q.cfg.RenotifyAfter)
}
