package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vqtran/scanpipe/internal/api/dto"
	"github.com/vqtran/scanpipe/internal/domain"
	"github.com/vqtran/scanpipe/internal/scanner"
)

// SubmitScan handles POST /api/v1/scans
// Stores the uploaded file and creates a scan job for it. The response is
// returned as soon as the job is queued; the scan itself runs asynchronously.
func (h *ScanHandler) SubmitScan(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.logger.Error("Invalid upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "multipart field 'file' is required",
		})
		return
	}
	defer file.Close()

	priority := 0
	if raw := c.PostForm("priority"); raw != "" {
		priority, err = strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "priority must be an integer",
			})
			return
		}
	}

	saved, err := h.uploads.Save(file, header.Filename)
	if err != nil {
		h.logger.Error("Failed to store upload",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to store upload",
		})
		return
	}

	// An optional declared checksum guards against truncated uploads.
	if declared := c.PostForm("checksum"); declared != "" && !strings.EqualFold(declared, saved.Checksum) {
		if delErr := h.uploads.Delete(saved.StoredRef); delErr != nil {
			h.logger.Warn("Failed to remove mismatched upload",
				slog.String("stored_ref", saved.StoredRef),
				slog.String("error", delErr.Error()),
			)
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "declared checksum does not match uploaded content",
		})
		return
	}

	job, err := h.service.Submit(c.Request.Context(), &scanner.SubmitInput{
		Filename:    header.Filename,
		StoredRef:   saved.StoredRef,
		SizeBytes:   saved.Size,
		ContentType: header.Header.Get("Content-Type"),
		Checksum:    saved.Checksum,
		Priority:    priority,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, jobToDTO(job))
}

// GetScan handles GET /api/v1/scans/:job_id
// Returns the job's status, derived progress stage, best-effort queue
// position while pending, and the result once completed.
func (h *ScanHandler) GetScan(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	status, err := h.service.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := dto.StatusResponse{
		Job:           jobToDTO(status.Job),
		Stage:         string(status.Stage),
		QueuePosition: status.QueuePosition,
	}
	if status.Result != nil {
		resp.Result = resultToDTO(status.Result)
	}

	c.JSON(http.StatusOK, resp)
}

// GetScanResult handles GET /api/v1/scans/:job_id/result
// Returns only the scan result; 404 until the job has completed.
func (h *ScanHandler) GetScanResult(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	status, err := h.service.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if status.Result == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "scan result not available yet",
			"stage": string(status.Stage),
		})
		return
	}

	c.JSON(http.StatusOK, resultToDTO(status.Result))
}

// CancelScan handles POST /api/v1/scans/:job_id/cancel
// Cancels a pending or in-flight job; cancelling a job mid-scan is
// best-effort.
func (h *ScanHandler) CancelScan(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.service.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobToDTO(job))
}

// ListInfected handles GET /api/v1/reports/infected
// Paginated report of infected scans, newest first.
func (h *ScanHandler) ListInfected(c *gin.Context) {
	var req dto.ListInfectedRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid query parameters",
		})
		return
	}

	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	page, err := h.service.ListInfected(c.Request.Context(), req.Page, req.PageSize)
	if err != nil {
		h.respondError(c, err)
		return
	}

	items := make([]dto.InfectedItemDTO, len(page.Rows))
	for i, row := range page.Rows {
		items[i] = dto.InfectedItemDTO{
			JobID:              row.JobID,
			Filename:           row.Filename,
			SizeBytes:          row.SizeBytes,
			ThreatName:         row.ThreatName,
			ThreatCategory:     row.ThreatCategory,
			DetectorVersion:    row.DetectorVersion,
			DefinitionsVersion: row.DefinitionsVersion,
			ScannedAt:          row.ScannedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, dto.ListInfectedResponse{
		Items:    items,
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	})
}

// QueueStats handles GET /api/v1/queue/stats
func (h *ScanHandler) QueueStats(c *gin.Context) {
	stats, err := h.service.QueueStats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// PauseQueue handles POST /api/v1/queue/pause
func (h *ScanHandler) PauseQueue(c *gin.Context) {
	if err := h.service.PauseQueue(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// ResumeQueue handles POST /api/v1/queue/resume
func (h *ScanHandler) ResumeQueue(c *gin.Context) {
	if err := h.service.ResumeQueue(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// Health handles GET /health
// Healthy requires the store and the queue; the detector daemon is reported
// but not required, since submissions queue up while it is down.
func (h *ScanHandler) Health(c *gin.Context) {
	health := h.service.CheckHealth(c.Request.Context())

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, health)
}

// jobIDParam extracts and validates the :job_id path parameter.
func (h *ScanHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

// respondError maps domain errors onto HTTP statuses.
func (h *ScanHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrStaleTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func jobToDTO(job *domain.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:       job.JobID,
		Filename:    job.Filename,
		SizeBytes:   job.SizeBytes,
		ContentType: job.ContentType,
		Checksum:    job.Checksum,
		Status:      string(job.Status),
		Priority:    job.Priority,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		LastError:   job.LastError,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		d.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		d.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return d
}

func resultToDTO(result *domain.ScanResult) *dto.ResultDTO {
	return &dto.ResultDTO{
		JobID:              result.JobID,
		Outcome:            string(result.Outcome),
		IsInfected:         result.IsInfected,
		ThreatName:         result.ThreatName,
		ThreatCategory:     result.ThreatCategory,
		ThreatDescription:  result.ThreatDescription,
		DetectorVersion:    result.DetectorVersion,
		DefinitionsVersion: result.DefinitionsVersion,
		ScanDurationMs:     result.ScanDurationMs,
		ScannedAt:          result.ScannedAt.Format(time.RFC3339),
	}
}
