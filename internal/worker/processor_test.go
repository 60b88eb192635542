package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vqtran/scanpipe/internal/detector"
	"github.com/vqtran/scanpipe/internal/domain"
)

type fakeStore struct {
	markProcessingErr error
	markFailedErr     error
	completeErr       error

	job *domain.Job

	processingCalls int
	failedCalls     int
	failedReasons   []string
	completeCalls   int
	lastResult      *domain.ScanResultInput
}

func (f *fakeStore) MarkProcessing(ctx context.Context, jobID string) (*domain.Job, error) {
	f.processingCalls++
	if f.markProcessingErr != nil {
		return nil, f.markProcessingErr
	}
	return f.job, nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, jobID, errorMessage string) (*domain.Job, error) {
	f.failedCalls++
	f.failedReasons = append(f.failedReasons, errorMessage)
	if f.markFailedErr != nil {
		return nil, f.markFailedErr
	}
	return f.job, nil
}

func (f *fakeStore) CompleteWithResult(ctx context.Context, jobID string, in *domain.ScanResultInput) error {
	f.completeCalls++
	f.lastResult = in
	return f.completeErr
}

type fakeQueue struct {
	claimErr error
	entry    *domain.QueueEntry

	claimCalls     int
	ackCalls       int
	failCalls      int
	heartbeatCalls int
	lastAckedID    string
	lastFailReason string
}

func (f *fakeQueue) ClaimNext(ctx context.Context) (*domain.QueueEntry, error) {
	f.claimCalls++
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.entry, nil
}

func (f *fakeQueue) Heartbeat(ctx context.Context, entryID string) error {
	f.heartbeatCalls++
	return nil
}

func (f *fakeQueue) Ack(ctx context.Context, entryID string) error {
	f.ackCalls++
	f.lastAckedID = entryID
	return nil
}

func (f *fakeQueue) Fail(ctx context.Context, entry *domain.QueueEntry, reason string) error {
	f.failCalls++
	f.lastFailReason = reason
	return nil
}

type fakeDetector struct {
	report   *detector.Report
	err      error
	calls    int
	lastPath string
}

func (f *fakeDetector) Inspect(ctx context.Context, path string) (*detector.Report, error) {
	f.calls++
	f.lastPath = path
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

type fakeFiles struct {
	exists    bool
	existsErr error
}

func (f *fakeFiles) Exists(storedRef string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeFiles) Path(storedRef string) string {
	return "/data/" + storedRef
}

type fixture struct {
	worker   *Worker
	store    *fakeStore
	queue    *fakeQueue
	detector *fakeDetector
	files    *fakeFiles
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	job := &domain.Job{
		JobID:       "1b6453db-7a3c-4f02-9c1a-3f8d2f9be001",
		Filename:    "sample.bin",
		StoredRef:   "ab/abc123",
		Status:      domain.JobStatusProcessing,
		Attempts:    1,
		MaxAttempts: 3,
	}
	entry := &domain.QueueEntry{
		EntryID:     "9e107d9d-3721-4f0c-8f4b-5a1c77bc0002",
		JobID:       job.JobID,
		Target:      job.StoredRef,
		State:       domain.EntryStateActive,
		Attempt:     1,
		MaxAttempts: 3,
	}

	st := &fakeStore{job: job}
	q := &fakeQueue{entry: entry}
	det := &fakeDetector{report: &detector.Report{
		Duration:           40 * time.Millisecond,
		DetectorVersion:    "ClamAV 1.2.1",
		DefinitionsVersion: "27087",
	}}
	files := &fakeFiles{exists: true}

	w := NewWorker(&Config{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:             st,
		Queue:             q,
		Detector:          det,
		Files:             files,
		Concurrency:       1,
		ScanTimeout:       time.Second,
		HeartbeatInterval: time.Hour,
	})

	return &fixture{worker: w, store: st, queue: q, detector: det, files: files}
}

func (f *fixture) msg() *entryMessage {
	return &entryMessage{
		EntryID: f.queue.entry.EntryID,
		JobID:   f.queue.entry.JobID,
	}
}

func TestProcessEntryClean(t *testing.T) {
	f := newFixture(t)

	err := f.worker.processEntry(context.Background(), f.msg())
	require.NoError(t, err)

	assert.Equal(t, 1, f.store.processingCalls)
	assert.Equal(t, 1, f.store.completeCalls)
	assert.Equal(t, 0, f.store.failedCalls)
	assert.Equal(t, 1, f.queue.ackCalls)
	assert.Equal(t, 0, f.queue.failCalls)

	require.NotNil(t, f.store.lastResult)
	assert.Equal(t, domain.OutcomeClean, f.store.lastResult.Outcome)
	assert.False(t, f.store.lastResult.IsInfected)
	assert.Equal(t, "ClamAV 1.2.1", f.store.lastResult.DetectorVersion)
}

func TestProcessEntryInfected(t *testing.T) {
	f := newFixture(t)
	f.detector.report.Infected = true
	f.detector.report.Threats = []string{"Eicar-Test-Signature"}

	err := f.worker.processEntry(context.Background(), f.msg())
	require.NoError(t, err)

	require.NotNil(t, f.store.lastResult)
	assert.Equal(t, domain.OutcomeInfected, f.store.lastResult.Outcome)
	assert.True(t, f.store.lastResult.IsInfected)
	assert.Equal(t, "Eicar-Test-Signature", f.store.lastResult.ThreatName)
	assert.Equal(t, 1, f.queue.ackCalls)
}

func TestProcessEntryDuplicateDeliveryDropped(t *testing.T) {
	f := newFixture(t)
	f.queue.claimErr = domain.ErrEntryNotClaimable

	err := f.worker.processEntry(context.Background(), f.msg())
	require.NoError(t, err)

	// The racing delivery holds the lease; nothing else may happen.
	assert.Equal(t, 0, f.store.processingCalls)
	assert.Equal(t, 0, f.store.completeCalls)
	assert.Equal(t, 0, f.detector.calls)
}

func TestProcessEntryClaimsByEligibilityNotMessageOrder(t *testing.T) {
	f := newFixture(t)

	// The wake-up names one entry, but the queue hands out whichever waiting
	// entry is most eligible (highest priority, then oldest). The claimed
	// entry is the one scanned and acked, so a low-priority notification
	// arriving first cannot jump a higher-priority submission.
	msg := &entryMessage{
		EntryID: "c81e728d-9d4c-4f63-af06-7f89cc14a001",
		JobID:   "c81e728d-9d4c-4f63-af06-7f89cc14a002",
	}

	err := f.worker.processEntry(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, "/data/"+f.queue.entry.Target, f.detector.lastPath)
	assert.Equal(t, f.queue.entry.EntryID, f.queue.lastAckedID)
	assert.Equal(t, 1, f.store.completeCalls)
}

func TestProcessEntryJobNotClaimable(t *testing.T) {
	f := newFixture(t)
	f.store.markProcessingErr = domain.ErrJobNotClaimable

	err := f.worker.processEntry(context.Background(), f.msg())
	require.NoError(t, err)

	// Cancelled or already-terminal job: the entry is consumed untouched.
	assert.Equal(t, 1, f.queue.ackCalls)
	assert.Equal(t, 0, f.detector.calls)
	assert.Equal(t, 0, f.store.completeCalls)
}

func TestProcessEntryFileMissing(t *testing.T) {
	f := newFixture(t)
	f.files.exists = false

	err := f.worker.processEntry(context.Background(), f.msg())
	require.NoError(t, err)

	assert.Equal(t, 0, f.detector.calls)
	assert.Equal(t, 0, f.store.completeCalls)
	assert.Equal(t, 1, f.store.failedCalls)
	assert.Contains(t, f.store.failedReasons[0], "stored file missing")
	assert.Equal(t, 1, f.queue.failCalls)
	assert.Equal(t, 0, f.queue.ackCalls)
}

func TestProcessEntryDetectorUnavailable(t *testing.T) {
	f := newFixture(t)
	f.detector.err = domain.ErrDetectorUnavailable

	err := f.worker.processEntry(context.Background(), f.msg())
	require.NoError(t, err)

	// The attempt is recorded on the job and the entry goes back to the
	// queue for backoff redelivery; no result row is written.
	assert.Equal(t, 1, f.store.failedCalls)
	assert.Equal(t, 0, f.store.completeCalls)
	assert.Equal(t, 1, f.queue.failCalls)
	assert.Contains(t, f.queue.lastFailReason, "detector unavailable")
}

func TestProcessEntryCompleteLosesRace(t *testing.T) {
	f := newFixture(t)
	f.store.completeErr = domain.ErrStaleTransition

	err := f.worker.processEntry(context.Background(), f.msg())
	require.NoError(t, err)

	// The earlier delivery's outcome stands: consume the entry, record no
	// failure.
	assert.Equal(t, 1, f.queue.ackCalls)
	assert.Equal(t, 0, f.store.failedCalls)
	assert.Equal(t, 0, f.queue.failCalls)
}

func TestProcessEntryClaimInfraFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.queue.claimErr = errors.New("connection reset")

	err := f.worker.processEntry(context.Background(), f.msg())
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestShouldRequeueEntry(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.worker.shouldRequeueEntry(domain.ErrEntryNotClaimable))
	assert.False(t, f.worker.shouldRequeueEntry(errors.New("boom")))
	assert.True(t, f.worker.shouldRequeueEntry(domain.NewRetryableError(errors.New("db down"))))
}

func TestBuildResult(t *testing.T) {
	t.Run("clean", func(t *testing.T) {
		in := buildResult(&detector.Report{Duration: 120 * time.Millisecond})
		assert.Equal(t, domain.OutcomeClean, in.Outcome)
		assert.False(t, in.IsInfected)
		assert.Equal(t, int64(120), in.ScanDurationMs)
	})

	t.Run("infected single threat", func(t *testing.T) {
		in := buildResult(&detector.Report{
			Infected: true,
			Threats:  []string{"Win.Trojan.Agent-123"},
		})
		assert.Equal(t, domain.OutcomeInfected, in.Outcome)
		assert.Equal(t, "Win.Trojan.Agent-123", in.ThreatName)
		assert.Equal(t, "Win.Trojan", in.ThreatCategory)
		assert.Empty(t, in.ThreatDescription)
	})

	t.Run("infected multiple threats", func(t *testing.T) {
		in := buildResult(&detector.Report{
			Infected: true,
			Threats:  []string{"Eicar-Test-Signature", "Win.Trojan.Agent-123"},
		})
		assert.Equal(t, "Eicar-Test-Signature", in.ThreatName)
		assert.Equal(t, "Eicar-Test-Signature, Win.Trojan.Agent-123", in.ThreatDescription)
	})
}

func TestThreatCategory(t *testing.T) {
	assert.Equal(t, "Win.Trojan", threatCategory("Win.Trojan.Agent-123"))
	assert.Equal(t, "", threatCategory("Eicar-Test-Signature"))
	assert.Equal(t, "", threatCategory("Generic.Sig"))
}
