package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/jsonutil"
	"github.com/urekai/urekai-engine/pkg/llm"
	"github.com/urekai/urekai-engine/pkg/models"
	"github.com/urekai/urekai-engine/pkg/prompts"
	"github.com/urekai/urekai-engine/pkg/retry"
)

// DefaultSchemaBatchSize is the number of columns sent to the model per call.
const DefaultSchemaBatchSize = 40

// InferredSchema is the merged result of every column batch.
type InferredSchema struct {
	Schema    models.TableSchema
	HasHeader bool
	Insights  map[string]models.ColumnInsight
}

// SchemaInferenceService derives a table schema from sample rows.
type SchemaInferenceService interface {
	// Infer returns a schema with exactly one column per sample column, in file order.
	// Fails as a whole if any batch cannot be inferred.
	Infer(ctx context.Context, tableName string, sample *SampleRows) (*InferredSchema, error)
}

type schemaInferenceService struct {
	gateway   llm.Gateway
	pool      *llm.WorkerPool
	retryCfg  *retry.Config
	batchSize int
	logger    *zap.Logger
}

// NewSchemaInferenceService creates a schema inference service.
func NewSchemaInferenceService(
	gateway llm.Gateway,
	pool *llm.WorkerPool,
	retryCfg *retry.Config,
	batchSize int,
	logger *zap.Logger,
) SchemaInferenceService {
	if batchSize < 1 {
		batchSize = DefaultSchemaBatchSize
	}
	return &schemaInferenceService{
		gateway:   gateway,
		pool:      pool,
		retryCfg:  retryCfg,
		batchSize: batchSize,
		logger:    logger.Named("schema-inference"),
	}
}

var _ SchemaInferenceService = (*schemaInferenceService)(nil)

// schemaBatchResponse is the JSON shape the model returns for one batch.
type schemaBatchResponse struct {
	Schema struct {
		Columns []struct {
			ColumnName jsonutil.FlexibleString `json:"column_name"`
			DataType   jsonutil.FlexibleString `json:"data_type"`
			IsNullable jsonutil.FlexibleString `json:"is_nullable"`
		} `json:"columns"`
	} `json:"schema"`
	ContainColumns struct {
		ContainColumn jsonutil.FlexibleString `json:"contain_column"`
	} `json:"contain_columns"`
	ColumnInsights map[string]models.ColumnInsight `json:"column_insights"`
}

// batchResult is one batch after validation, before names are made unique.
type batchResult struct {
	columns   []models.SchemaColumn
	insights  []models.ColumnInsight
	hasHeader bool
}

// columnCountError reports a batch whose column count differs from what was sent.
// It is retryable: asking again usually fixes it.
type columnCountError struct {
	want, got int
}

func (e *columnCountError) Error() string {
	return fmt.Sprintf("model returned %d columns, expected %d", e.got, e.want)
}

func (s *schemaInferenceService) Infer(ctx context.Context, tableName string, sample *SampleRows) (*InferredSchema, error) {
	width := sample.ColumnCount()
	if width == 0 {
		return nil, fmt.Errorf("sample for %s has no columns", tableName)
	}
	rows := padRows(sample.Rows, width)

	var items []llm.WorkItem[*batchResult]
	for offset := 0; offset < width; offset += s.batchSize {
		end := min(offset+s.batchSize, width)
		batch := prompts.SchemaBatch{
			TableName:    tableName,
			Rows:         sliceColumns(rows, offset, end),
			ColumnCount:  end - offset,
			ColumnOffset: offset,
		}
		items = append(items, llm.WorkItem[*batchResult]{
			ID: fmt.Sprintf("%s[%d:%d]", tableName, offset, end),
			Execute: func(ctx context.Context) (*batchResult, error) {
				return s.inferBatch(ctx, batch)
			},
		})
	}

	s.logger.Info("Inferring schema",
		zap.String("table_name", tableName),
		zap.Int("columns", width),
		zap.Int("batches", len(items)))

	results := llm.Process(ctx, s.pool, items, nil)

	merged := &batchResult{}
	for _, r := range results {
		if r.Err != nil {
			return nil, fmt.Errorf("infer schema batch %s: %w", r.ID, r.Err)
		}
		merged.columns = append(merged.columns, r.Result.columns...)
		merged.insights = append(merged.insights, r.Result.insights...)
		merged.hasHeader = merged.hasHeader || r.Result.hasHeader
	}

	if len(merged.columns) != width {
		return nil, fmt.Errorf("merged schema has %d columns, expected %d", len(merged.columns), width)
	}

	names := make([]string, len(merged.columns))
	for i, c := range merged.columns {
		names[i] = c.ColumnName
	}
	names = uniqueColumnNames(names)

	out := &InferredSchema{
		Schema:    models.TableSchema{Columns: make([]models.SchemaColumn, len(merged.columns))},
		HasHeader: merged.hasHeader,
		Insights:  make(map[string]models.ColumnInsight, len(merged.columns)),
	}
	for i, c := range merged.columns {
		c.ColumnName = names[i]
		out.Schema.Columns[i] = c
		out.Insights[names[i]] = merged.insights[i]
	}
	return out, nil
}

func (s *schemaInferenceService) inferBatch(ctx context.Context, batch prompts.SchemaBatch) (*batchResult, error) {
	prompt := prompts.BuildSchemaBatchPrompt(batch)
	operation := fmt.Sprintf("schema inference for %s (columns %d-%d)",
		batch.TableName, batch.ColumnOffset+1, batch.ColumnOffset+batch.ColumnCount)

	return retry.DoWithResult(ctx, s.retryCfg, operation, func(ctx context.Context) (*batchResult, error) {
		text, err := s.gateway.Complete(ctx, prompts.SchemaInferenceSystem, prompt)
		if err != nil {
			return nil, err
		}

		resp, err := llm.Decode[schemaBatchResponse](text)
		if err != nil {
			s.logger.Warn("Unparseable schema batch response",
				zap.String("table_name", batch.TableName),
				zap.Int("column_offset", batch.ColumnOffset),
				zap.Error(err))
			return nil, err
		}

		if got := len(resp.Schema.Columns); got != batch.ColumnCount {
			return nil, &columnCountError{want: batch.ColumnCount, got: got}
		}

		result := &batchResult{
			columns:   make([]models.SchemaColumn, batch.ColumnCount),
			insights:  make([]models.ColumnInsight, batch.ColumnCount),
			hasHeader: jsonutil.YesNo(resp.ContainColumns.ContainColumn.String()) == "YES",
		}
		for i, c := range resp.Schema.Columns {
			name := c.ColumnName.String()
			dataType := strings.ToUpper(strings.TrimSpace(c.DataType.String()))
			if dataType == "" {
				dataType = "TEXT"
			}
			nullable := "YES"
			if c.IsNullable.String() != "" {
				nullable = jsonutil.YesNo(c.IsNullable.String())
			}
			result.columns[i] = models.SchemaColumn{ColumnName: name, DataType: dataType, IsNullable: nullable}
			result.insights[i] = resp.ColumnInsights[name]
		}
		return result, nil
	})
}

// padRows returns rows padded with NULL so each has exactly width values.
func padRows(rows [][]string, width int) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		padded := make([]string, width)
		copy(padded, row)
		for j := len(row); j < width; j++ {
			padded[j] = NullValue
		}
		out[i] = padded
	}
	return out
}

func sliceColumns(rows [][]string, start, end int) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = row[start:end]
	}
	return out
}
