package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/apperrors"
	"github.com/urekai/urekai-engine/pkg/database"
	"github.com/urekai/urekai-engine/pkg/models"
	"github.com/urekai/urekai-engine/pkg/repositories"
	"github.com/urekai/urekai-engine/pkg/services/workqueue"
)

// DefaultMaxUploadRetries is how many times one upload is attempted from scratch.
const DefaultMaxUploadRetries = 3

// IngestionService turns one claimed job into a loaded table plus its metadata row.
type IngestionService struct {
	queueRepo    repositories.JobQueueRepository
	metadataRepo repositories.AnalysisMetadataRepository
	reader       *SampleReader
	inferrer     SchemaInferenceService
	materializer TableMaterializer
	maxRetries   int
	backoff      func(attempt int) time.Duration
	logger       *zap.Logger
}

// IngestionOption configures an IngestionService.
type IngestionOption func(*IngestionService)

// WithMaxUploadRetries sets how many full attempts a job gets.
func WithMaxUploadRetries(n int) IngestionOption {
	return func(s *IngestionService) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBackoff replaces the wait between attempts (default 2^attempt seconds).
func WithRetryBackoff(backoff func(attempt int) time.Duration) IngestionOption {
	return func(s *IngestionService) {
		s.backoff = backoff
	}
}

// NewIngestionService creates the ingestion job handler.
func NewIngestionService(
	queueRepo repositories.JobQueueRepository,
	metadataRepo repositories.AnalysisMetadataRepository,
	reader *SampleReader,
	inferrer SchemaInferenceService,
	materializer TableMaterializer,
	logger *zap.Logger,
	opts ...IngestionOption,
) *IngestionService {
	s := &IngestionService{
		queueRepo:    queueRepo,
		metadataRepo: metadataRepo,
		reader:       reader,
		inferrer:     inferrer,
		materializer: materializer,
		maxRetries:   DefaultMaxUploadRetries,
		backoff:      exponentialBackoff,
		logger:       logger.Named("ingestion"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ workqueue.JobHandler = (*IngestionService)(nil)
	_ workqueue.JobAborter = (*IngestionService)(nil)
)

func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// Handle processes a claimed job. ctx must carry a database scope. Every failed
// attempt is rolled back (table dropped, metadata removed) before the next one, and
// the uploaded file is removed whatever the outcome.
func (s *IngestionService) Handle(ctx context.Context, job *models.IngestionJob) error {
	logger := s.logger.With(
		zap.String("upload_id", job.UploadID.String()),
		zap.String("table_name", job.TableName),
		zap.String("kind", string(job.Kind)))

	defer removeFile(job.FilePath, logger)

	var lastErr error
attempts:
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.process(ctx, job, logger)
		if err == nil {
			logger.Info("Ingestion completed", zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err

		logger.Warn("Ingestion attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxRetries),
			zap.Error(err))
		s.cleanup(ctx, job, logger)

		if attempt == s.maxRetries {
			break
		}
		select {
		case <-time.After(s.backoff(attempt)):
		case <-ctx.Done():
			lastErr = errors.Join(lastErr, ctx.Err())
			break attempts
		}
	}

	if err := s.queueRepo.MarkFailed(ctx, job.Kind, job.UploadID); err != nil {
		logger.Error("Failed to mark job failed", zap.Error(err))
	}
	return fmt.Errorf("ingest %s: %w", job.OriginalFileName, lastErr)
}

func (s *IngestionService) process(ctx context.Context, job *models.IngestionJob, logger *zap.Logger) error {
	sample, err := s.reader.Read(job.Kind, job.FilePath)
	if err != nil {
		return fmt.Errorf("read sample: %w", err)
	}
	s.progress(ctx, job, models.ProgressSampled, logger)

	inferred, err := s.inferrer.Infer(ctx, job.TableName, sample)
	if err != nil {
		return fmt.Errorf("infer schema: %w", err)
	}
	s.progress(ctx, job, models.ProgressInferred, logger)

	if err := s.materializer.Create(ctx, job.TableName, inferred.Schema); err != nil {
		return err
	}
	s.progress(ctx, job, models.ProgressTableCreated, logger)

	loadPath := job.FilePath
	if job.Kind == models.FileKindExcel {
		csvPath, err := ConvertExcelToCSV(job.FilePath)
		if err != nil {
			return fmt.Errorf("convert excel: %w", err)
		}
		defer removeFile(csvPath, logger)
		loadPath = csvPath
	}

	if err := s.materializer.Load(ctx, job.TableName, loadPath, inferred.Schema, inferred.HasHeader); err != nil {
		return err
	}
	s.progress(ctx, job, models.ProgressLoaded, logger)

	return database.InTx(ctx, func(ctx context.Context) error {
		meta := &models.AnalysisMetadata{
			UserID:         job.UserID,
			TableName:      job.TableName,
			FileName:       job.OriginalFileName,
			Schema:         inferred.Schema,
			ColumnInsights: inferred.Insights,
		}
		if err := s.metadataRepo.Create(ctx, meta); err != nil {
			return err
		}
		if err := s.queueRepo.UpdateProgress(ctx, job.Kind, job.UploadID, models.ProgressMetadataSaved); err != nil {
			return err
		}
		return s.queueRepo.MarkDone(ctx, job.Kind, job.UploadID)
	})
}

// Abort releases a job whose Handle panicked: the partial table and metadata are
// dropped and the row is marked failed.
func (s *IngestionService) Abort(ctx context.Context, job *models.IngestionJob) {
	logger := s.logger.With(
		zap.String("upload_id", job.UploadID.String()),
		zap.String("table_name", job.TableName),
		zap.String("kind", string(job.Kind)))

	s.cleanup(ctx, job, logger)
	if err := s.queueRepo.MarkFailed(ctx, job.Kind, job.UploadID); err != nil {
		logger.Error("Failed to mark aborted job failed", zap.Error(err))
	}
	removeFile(job.FilePath, logger)
}

// cleanup drops what a failed attempt left behind. Both steps run in one transaction.
func (s *IngestionService) cleanup(ctx context.Context, job *models.IngestionJob, logger *zap.Logger) {
	err := database.InTx(ctx, func(ctx context.Context) error {
		if err := s.metadataRepo.Delete(ctx, job.UserID, job.TableName); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return s.materializer.Drop(ctx, job.TableName)
	})
	if err != nil {
		logger.Error("Failed to clean up after ingestion attempt", zap.Error(err))
	}
}

func (s *IngestionService) progress(ctx context.Context, job *models.IngestionJob, progress int16, logger *zap.Logger) {
	if err := s.queueRepo.UpdateProgress(ctx, job.Kind, job.UploadID, progress); err != nil {
		logger.Warn("Failed to record progress", zap.Int16("progress", progress), zap.Error(err))
	}
}

func removeFile(path string, logger *zap.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to remove file", zap.String("path", path), zap.Error(err))
	}
}
