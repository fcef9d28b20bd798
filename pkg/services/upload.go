package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/apperrors"
	"github.com/urekai/urekai-engine/pkg/database"
	"github.com/urekai/urekai-engine/pkg/models"
	"github.com/urekai/urekai-engine/pkg/repositories"
)

// UploadRequest is one file handed to the ingestion pipeline.
type UploadRequest struct {
	UserID   string
	FileName string
	Content  io.Reader
	// Medium and ReceiverNo identify the channel to notify when loading finishes.
	Medium     *string
	ReceiverNo *string
}

// UploadResult describes a queued upload.
type UploadResult struct {
	UploadID         uuid.UUID        `json:"upload_id"`
	TableName        string           `json:"table_name"`
	OriginalFileName string           `json:"original_file_name"`
	Status           models.JobStatus `json:"status"`
}

// UploadService is the user-facing side of ingestion: queueing files, reporting
// status, and managing loaded sources.
type UploadService interface {
	// Upload stores the file and enqueues an ingestion job for it.
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)

	// Status returns the progress of one of the user's uploads.
	Status(ctx context.Context, userID string, uploadID uuid.UUID) (*models.UploadStatus, error)

	// ListSources returns the user's loaded tables.
	ListSources(ctx context.Context, userID string) ([]*models.AnalysisMetadata, error)

	// DeleteSource removes a table and its metadata together.
	DeleteSource(ctx context.Context, userID, tableName string) error
}

type uploadService struct {
	queueRepo     repositories.JobQueueRepository
	metadataRepo  repositories.AnalysisMetadataRepository
	materializer  TableMaterializer
	uploadDir     string
	maxUploadSize int64
	logger        *zap.Logger
}

// NewUploadService creates an upload service storing files under uploadDir.
func NewUploadService(
	queueRepo repositories.JobQueueRepository,
	metadataRepo repositories.AnalysisMetadataRepository,
	materializer TableMaterializer,
	uploadDir string,
	maxUploadSize int64,
	logger *zap.Logger,
) UploadService {
	return &uploadService{
		queueRepo:     queueRepo,
		metadataRepo:  metadataRepo,
		materializer:  materializer,
		uploadDir:     uploadDir,
		maxUploadSize: maxUploadSize,
		logger:        logger.Named("upload"),
	}
}

var _ UploadService = (*uploadService)(nil)

func (s *uploadService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	name := filepath.Base(req.FileName)
	kind, ok := models.FileKindForName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFile, name)
	}

	uploadID := uuid.New()
	path, err := s.save(uploadID, name, req.Content)
	if err != nil {
		return nil, err
	}

	job := &models.IngestionJob{
		Kind:             kind,
		UploadID:         uploadID,
		UserID:           req.UserID,
		TableName:        models.TableNameForUpload(uploadID),
		FilePath:         path,
		OriginalFileName: name,
		Medium:           req.Medium,
		ReceiverNo:       req.ReceiverNo,
	}
	if err := s.queueRepo.Enqueue(ctx, job); err != nil {
		removeFile(path, s.logger)
		return nil, fmt.Errorf("enqueue %s: %w", name, err)
	}

	s.logger.Info("Upload queued",
		zap.String("upload_id", uploadID.String()),
		zap.String("kind", string(kind)),
		zap.String("file_name", name))

	return &UploadResult{
		UploadID:         uploadID,
		TableName:        job.TableName,
		OriginalFileName: name,
		Status:           job.Status,
	}, nil
}

// save writes the content to <uploadDir>/<uploadID><ext>, enforcing the size limit.
func (s *uploadService) save(uploadID uuid.UUID, name string, content io.Reader) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o750); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	path := filepath.Join(s.uploadDir, uploadID.String()+strings.ToLower(filepath.Ext(name)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	src := content
	if s.maxUploadSize > 0 {
		src = io.LimitReader(content, s.maxUploadSize+1)
	}
	n, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && s.maxUploadSize > 0 && n > s.maxUploadSize {
		err = apperrors.ErrFileTooLarge
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("%s is empty", name)
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	return path, nil
}

func (s *uploadService) Status(ctx context.Context, userID string, uploadID uuid.UUID) (*models.UploadStatus, error) {
	return s.queueRepo.GetStatus(ctx, userID, uploadID)
}

func (s *uploadService) ListSources(ctx context.Context, userID string) ([]*models.AnalysisMetadata, error) {
	return s.metadataRepo.ListByUser(ctx, userID)
}

func (s *uploadService) DeleteSource(ctx context.Context, userID, tableName string) error {
	err := database.InTx(ctx, func(ctx context.Context) error {
		if err := s.metadataRepo.Delete(ctx, userID, tableName); err != nil {
			return err
		}
		return s.materializer.Drop(ctx, tableName)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete source %s: %w", tableName, err)
	}

	s.logger.Info("Source deleted", zap.String("table_name", tableName))
	return nil
}
