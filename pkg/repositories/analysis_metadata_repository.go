package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urekai/urekai-engine/pkg/apperrors"
	"github.com/urekai/urekai-engine/pkg/database"
	"github.com/urekai/urekai-engine/pkg/models"
)

// AnalysisMetadataRepository defines data access for per-table metadata rows.
type AnalysisMetadataRepository interface {
	// Create stores metadata for a table. Fails if (user_id, table_name) already exists.
	Create(ctx context.Context, meta *models.AnalysisMetadata) error

	// ListByUser returns the user's tables, oldest first.
	ListByUser(ctx context.Context, userID string) ([]*models.AnalysisMetadata, error)

	// Delete removes one row. Returns apperrors.ErrNotFound if it did not exist.
	Delete(ctx context.Context, userID, tableName string) error
}

type analysisMetadataRepository struct{}

// NewAnalysisMetadataRepository creates a new metadata repository.
func NewAnalysisMetadataRepository() AnalysisMetadataRepository {
	return &analysisMetadataRepository{}
}

var _ AnalysisMetadataRepository = (*analysisMetadataRepository)(nil)

func (r *analysisMetadataRepository) Create(ctx context.Context, meta *models.AnalysisMetadata) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	schemaJSON, err := json.Marshal(meta.Schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	insights := meta.ColumnInsights
	if insights == nil {
		insights = map[string]models.ColumnInsight{}
	}
	insightsJSON, err := json.Marshal(insights)
	if err != nil {
		return fmt.Errorf("marshal column insights: %w", err)
	}

	query := `INSERT INTO analysis_data (user_id, table_name, file_name, schema, column_insights)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	if err := q.QueryRow(ctx, query, meta.UserID, meta.TableName, meta.FileName, schemaJSON, insightsJSON).
		Scan(&meta.CreatedAt); err != nil {
		return fmt.Errorf("insert analysis metadata: %w", err)
	}
	return nil
}

func (r *analysisMetadataRepository) ListByUser(ctx context.Context, userID string) ([]*models.AnalysisMetadata, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT user_id, table_name, file_name, schema, column_insights, created_at
		FROM analysis_data
		WHERE user_id = $1
		ORDER BY created_at, table_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query analysis metadata: %w", err)
	}
	defer rows.Close()

	var result []*models.AnalysisMetadata
	for rows.Next() {
		var (
			m            models.AnalysisMetadata
			schemaJSON   []byte
			insightsJSON []byte
		)
		if err := rows.Scan(&m.UserID, &m.TableName, &m.FileName, &schemaJSON, &insightsJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis metadata: %w", err)
		}
		if err := json.Unmarshal(schemaJSON, &m.Schema); err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", m.TableName, err)
		}
		if len(insightsJSON) > 0 {
			if err := json.Unmarshal(insightsJSON, &m.ColumnInsights); err != nil {
				return nil, fmt.Errorf("unmarshal column insights for %s: %w", m.TableName, err)
			}
		}
		result = append(result, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analysis metadata: %w", err)
	}
	return result, nil
}

func (r *analysisMetadataRepository) Delete(ctx context.Context, userID, tableName string) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `DELETE FROM analysis_data WHERE user_id = $1 AND table_name = $2`, userID, tableName)
	if err != nil {
		return fmt.Errorf("delete analysis metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
