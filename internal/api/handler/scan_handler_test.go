package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vqtran/scanpipe/internal/domain"
	"github.com/vqtran/scanpipe/internal/filestore"
	"github.com/vqtran/scanpipe/internal/scanner"
	"github.com/vqtran/scanpipe/internal/store"
)

type fakeService struct {
	submitJob  *domain.Job
	submitErr  error
	status     *scanner.Status
	statusErr  error
	cancelJob  *domain.Job
	cancelErr  error
	infected   *scanner.InfectedPage
	stats      *domain.QueueStats
	health     *scanner.Health
	pauseErr   error
	lastSubmit *scanner.SubmitInput
}

func (f *fakeService) Submit(ctx context.Context, in *scanner.SubmitInput) (*domain.Job, error) {
	f.lastSubmit = in
	return f.submitJob, f.submitErr
}

func (f *fakeService) GetStatus(ctx context.Context, jobID string) (*scanner.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeService) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	return f.cancelJob, f.cancelErr
}

func (f *fakeService) ListInfected(ctx context.Context, page, pageSize int) (*scanner.InfectedPage, error) {
	f.infected.Page = page
	f.infected.PageSize = pageSize
	return f.infected, nil
}

func (f *fakeService) QueueStats(ctx context.Context) (*domain.QueueStats, error) {
	return f.stats, nil
}

func (f *fakeService) PauseQueue(ctx context.Context) error  { return f.pauseErr }
func (f *fakeService) ResumeQueue(ctx context.Context) error { return nil }

func (f *fakeService) CheckHealth(ctx context.Context) *scanner.Health {
	return f.health
}

type fakeUploads struct {
	saveErr error
	deleted []string
}

func (f *fakeUploads) Save(src io.Reader, originalName string) (*filestore.SavedFile, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	hasher := sha256.New()
	size, err := io.Copy(hasher, src)
	if err != nil {
		return nil, err
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))
	return &filestore.SavedFile{
		StoredRef: checksum[:2] + "/" + checksum,
		Size:      size,
		Checksum:  checksum,
	}, nil
}

func (f *fakeUploads) Delete(storedRef string) error {
	f.deleted = append(f.deleted, storedRef)
	return nil
}

const testJobID = "b5c7a1de-9f20-4c3b-8e6d-7a4f1c2d0042"

func testJob() *domain.Job {
	return &domain.Job{
		JobID:       testJobID,
		Filename:    "sample.bin",
		SizeBytes:   11,
		Status:      domain.JobStatusPending,
		MaxAttempts: 3,
		CreatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestRouter(svc *fakeService, uploads *fakeUploads) *gin.Engine {
	gin.SetMode(gin.TestMode)

	h := NewScanHandler(&Dependencies{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Service:        svc,
		Uploads:        uploads,
		MaxUploadBytes: 1 << 20,
	})

	r := gin.New()
	r.POST("/api/v1/scans", h.SubmitScan)
	r.GET("/api/v1/scans/:job_id", h.GetScan)
	r.GET("/api/v1/scans/:job_id/result", h.GetScanResult)
	r.POST("/api/v1/scans/:job_id/cancel", h.CancelScan)
	r.GET("/api/v1/reports/infected", h.ListInfected)
	r.GET("/api/v1/queue/stats", h.QueueStats)
	r.GET("/health", h.Health)
	return r
}

func multipartUpload(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestSubmitScan(t *testing.T) {
	svc := &fakeService{submitJob: testJob()}
	uploads := &fakeUploads{}
	r := newTestRouter(svc, uploads)

	body, contentType := multipartUpload(t, map[string]string{"priority": "5"}, "sample.bin", "hello world")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, svc.lastSubmit)
	assert.Equal(t, "sample.bin", svc.lastSubmit.Filename)
	assert.Equal(t, 5, svc.lastSubmit.Priority)
	assert.Equal(t, int64(11), svc.lastSubmit.SizeBytes)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testJobID, resp["job_id"])
}

func TestSubmitScanMissingFile(t *testing.T) {
	r := newTestRouter(&fakeService{}, &fakeUploads{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewBufferString(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitScanBadPriority(t *testing.T) {
	r := newTestRouter(&fakeService{}, &fakeUploads{})

	body, contentType := multipartUpload(t, map[string]string{"priority": "high"}, "sample.bin", "x")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitScanChecksumMismatch(t *testing.T) {
	svc := &fakeService{submitJob: testJob()}
	uploads := &fakeUploads{}
	r := newTestRouter(svc, uploads)

	body, contentType := multipartUpload(t,
		map[string]string{"checksum": "deadbeef"}, "sample.bin", "hello world")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	// The mismatched upload must not linger in storage.
	assert.Len(t, uploads.deleted, 1)
	assert.Nil(t, svc.lastSubmit)
}

func TestGetScan(t *testing.T) {
	pos := 2
	svc := &fakeService{status: &scanner.Status{
		Job:           testJob(),
		Stage:         domain.StageQueued,
		QueuePosition: &pos,
	}}
	r := newTestRouter(svc, &fakeUploads{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/"+testJobID, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["stage"])
	assert.Equal(t, float64(2), resp["queue_position"])
}

func TestGetScanInvalidID(t *testing.T) {
	r := newTestRouter(&fakeService{}, &fakeUploads{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/not-a-uuid", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetScanNotFound(t *testing.T) {
	svc := &fakeService{statusErr: domain.ErrJobNotFound}
	r := newTestRouter(svc, &fakeUploads{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/"+testJobID, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetScanResultPending(t *testing.T) {
	svc := &fakeService{status: &scanner.Status{
		Job:   testJob(),
		Stage: domain.StageQueued,
	}}
	r := newTestRouter(svc, &fakeUploads{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/"+testJobID+"/result", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetScanResultCompleted(t *testing.T) {
	job := testJob()
	job.Status = domain.JobStatusCompleted
	svc := &fakeService{status: &scanner.Status{
		Job:   job,
		Stage: domain.StageComplete,
		Result: &domain.ScanResult{
			JobID:      testJobID,
			Outcome:    domain.OutcomeInfected,
			IsInfected: true,
			ThreatName: "Eicar-Test-Signature",
			ScannedAt:  time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
		},
	}}
	r := newTestRouter(svc, &fakeUploads{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/"+testJobID+"/result", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INFECTED", resp["outcome"])
	assert.Equal(t, "Eicar-Test-Signature", resp["threat_name"])
}

func TestCancelScanConflict(t *testing.T) {
	svc := &fakeService{cancelErr: domain.ErrStaleTransition}
	r := newTestRouter(svc, &fakeUploads{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans/"+testJobID+"/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListInfectedClampsPaging(t *testing.T) {
	svc := &fakeService{infected: &scanner.InfectedPage{
		Rows:  []store.InfectedRow{},
		Total: 0,
	}}
	r := newTestRouter(svc, &fakeUploads{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/infected?page=0&page_size=500", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["page"])
	assert.Equal(t, float64(100), resp["page_size"])
}

func TestQueueStats(t *testing.T) {
	svc := &fakeService{stats: &domain.QueueStats{Waiting: 4, Active: 2}}
	r := newTestRouter(svc, &fakeUploads{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(4), resp["waiting"])
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		health   *scanner.Health
		wantCode int
	}{
		{
			name:     "healthy",
			health:   &scanner.Health{Healthy: true, Store: true, Queue: true, Detector: true},
			wantCode: http.StatusOK,
		},
		{
			name:     "detector down stays healthy",
			health:   &scanner.Health{Healthy: true, Store: true, Queue: true, Detector: false},
			wantCode: http.StatusOK,
		},
		{
			name:     "store down",
			health:   &scanner.Health{Healthy: false, Queue: true},
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&fakeService{health: tt.health}, &fakeUploads{})

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestSubmitScanStorageFailure(t *testing.T) {
	uploads := &fakeUploads{saveErr: errors.New("disk full")}
	r := newTestRouter(&fakeService{}, uploads)

	body, contentType := multipartUpload(t, nil, "sample.bin", "x")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
