package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/urekai/urekai-engine/pkg/apperrors"
	"github.com/urekai/urekai-engine/pkg/database"
	"github.com/urekai/urekai-engine/pkg/models"
)

// JobQueueRepository defines data access for the per-kind ingestion queues.
type JobQueueRepository interface {
	// Enqueue inserts a pending job and notifies the kind's channel in the same transaction.
	Enqueue(ctx context.Context, job *models.IngestionJob) error

	// ClaimNext moves the oldest pending job of a kind to processing.
	// Returns nil, nil if no job is pending.
	ClaimNext(ctx context.Context, kind models.FileKind) (*models.IngestionJob, error)

	// UpdateProgress records a progress checkpoint for a running job.
	UpdateProgress(ctx context.Context, kind models.FileKind, uploadID uuid.UUID, progress int16) error

	// MarkDone marks a job as finished with 100% progress.
	MarkDone(ctx context.Context, kind models.FileKind, uploadID uuid.UUID) error

	// MarkFailed marks a job as failed.
	MarkFailed(ctx context.Context, kind models.FileKind, uploadID uuid.UUID) error

	// GetStatus looks an upload up in every queue. Returns apperrors.ErrNotFound if absent.
	GetStatus(ctx context.Context, userID string, uploadID uuid.UUID) (*models.UploadStatus, error)

	// CountPending returns how many jobs of a kind are waiting to be claimed.
	CountPending(ctx context.Context, kind models.FileKind) (int, error)
}

type jobQueueRepository struct{}

// NewJobQueueRepository creates a new ingestion queue repository.
func NewJobQueueRepository() JobQueueRepository {
	return &jobQueueRepository{}
}

var _ JobQueueRepository = (*jobQueueRepository)(nil)

const jobColumns = `id, upload_id, user_id, table_name, file_path, original_file_name,
	status, progress, medium, receiver_no, created_at`

func queueTable(kind models.FileKind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown file kind %q", kind)
	}
	return pgx.Identifier{kind.QueueTable()}.Sanitize(), nil
}

func (r *jobQueueRepository) Enqueue(ctx context.Context, job *models.IngestionJob) error {
	table, err := queueTable(job.Kind)
	if err != nil {
		return err
	}

	return database.InTx(ctx, func(ctx context.Context) error {
		q, err := database.GetQuerier(ctx)
		if err != nil {
			return err
		}

		query := `INSERT INTO ` + table + ` (upload_id, user_id, table_name, file_path,
			original_file_name, status, progress, medium, receiver_no)
			VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7)
			RETURNING id, created_at`

		err = q.QueryRow(ctx, query,
			job.UploadID, job.UserID, job.TableName, job.FilePath,
			job.OriginalFileName, job.Medium, job.ReceiverNo,
		).Scan(&job.ID, &job.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert %s job: %w", job.Kind, err)
		}

		if _, err := q.Exec(ctx, `SELECT pg_notify($1, $2)`, job.Kind.Channel(), string(job.Kind)); err != nil {
			return fmt.Errorf("notify %s: %w", job.Kind.Channel(), err)
		}

		job.Status = models.JobStatusPending
		job.Progress = 0
		return nil
	})
}

func (r *jobQueueRepository) ClaimNext(ctx context.Context, kind models.FileKind) (*models.IngestionJob, error) {
	table, err := queueTable(kind)
	if err != nil {
		return nil, err
	}
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `UPDATE ` + table + ` SET status = 'processing'
		WHERE id = (
			SELECT id FROM ` + table + `
			WHERE status = 'pending'
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(q.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim %s job: %w", kind, err)
	}
	job.Kind = kind
	return job, nil
}

func (r *jobQueueRepository) UpdateProgress(ctx context.Context, kind models.FileKind, uploadID uuid.UUID, progress int16) error {
	return r.update(ctx, kind, uploadID, `progress = $2`, progress)
}

func (r *jobQueueRepository) MarkDone(ctx context.Context, kind models.FileKind, uploadID uuid.UUID) error {
	return r.update(ctx, kind, uploadID, `status = 'done', progress = $2`, models.ProgressComplete)
}

func (r *jobQueueRepository) MarkFailed(ctx context.Context, kind models.FileKind, uploadID uuid.UUID) error {
	return r.update(ctx, kind, uploadID, `status = 'failed'`)
}

func (r *jobQueueRepository) update(ctx context.Context, kind models.FileKind, uploadID uuid.UUID, set string, args ...any) error {
	table, err := queueTable(kind)
	if err != nil {
		return err
	}
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `UPDATE `+table+` SET `+set+` WHERE upload_id = $1`, append([]any{uploadID}, args...)...)
	if err != nil {
		return fmt.Errorf("update %s job %s: %w", kind, uploadID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *jobQueueRepository) GetStatus(ctx context.Context, userID string, uploadID uuid.UUID) (*models.UploadStatus, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	for _, kind := range models.AllFileKinds {
		table, _ := queueTable(kind)
		var status models.UploadStatus
		err := q.QueryRow(ctx,
			`SELECT status, progress FROM `+table+` WHERE user_id = $1 AND upload_id = $2`,
			userID, uploadID,
		).Scan(&status.Status, &status.Progress)
		if err == nil {
			return &status, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get %s upload status: %w", kind, err)
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *jobQueueRepository) CountPending(ctx context.Context, kind models.FileKind) (int, error) {
	table, err := queueTable(kind)
	if err != nil {
		return 0, err
	}
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending %s jobs: %w", kind, err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (*models.IngestionJob, error) {
	var j models.IngestionJob
	err := row.Scan(
		&j.ID, &j.UploadID, &j.UserID, &j.TableName, &j.FilePath, &j.OriginalFileName,
		&j.Status, &j.Progress, &j.Medium, &j.ReceiverNo, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
