package handler

import (
	"context"
	"io"
	"log/slog"

	"github.com/vqtran/scanpipe/internal/domain"
	"github.com/vqtran/scanpipe/internal/filestore"
	"github.com/vqtran/scanpipe/internal/scanner"
)

// ScanService is the pipeline surface the HTTP layer drives.
type ScanService interface {
	Submit(ctx context.Context, in *scanner.SubmitInput) (*domain.Job, error)
	GetStatus(ctx context.Context, jobID string) (*scanner.Status, error)
	Cancel(ctx context.Context, jobID string) (*domain.Job, error)
	ListInfected(ctx context.Context, page, pageSize int) (*scanner.InfectedPage, error)
	QueueStats(ctx context.Context) (*domain.QueueStats, error)
	PauseQueue(ctx context.Context) error
	ResumeQueue(ctx context.Context) error
	CheckHealth(ctx context.Context) *scanner.Health
}

// UploadStore persists incoming uploads before a job is created for them.
type UploadStore interface {
	Save(src io.Reader, originalName string) (*filestore.SavedFile, error)
	Delete(storedRef string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Service        ScanService
	Uploads        UploadStore
	MaxUploadBytes int64
}

// ScanHandler handles scan-related HTTP requests
type ScanHandler struct {
	logger         *slog.Logger
	service        ScanService
	uploads        UploadStore
	maxUploadBytes int64
}

// NewScanHandler creates a new ScanHandler instance
func NewScanHandler(deps *Dependencies) *ScanHandler {
	return &ScanHandler{
		logger:         deps.Logger,
		service:        deps.Service,
		uploads:        deps.Uploads,
		maxUploadBytes: deps.MaxUploadBytes,
	}
}
