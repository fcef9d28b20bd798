//go:build integration

package services

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/apperrors"
	"github.com/urekai/urekai-engine/pkg/llm"
	"github.com/urekai/urekai-engine/pkg/models"
	"github.com/urekai/urekai-engine/pkg/repositories"
	"github.com/urekai/urekai-engine/pkg/testhelpers"
)

type ingestionTestContext struct {
	t            *testing.T
	testDB       *testhelpers.TestDB
	queueRepo    repositories.JobQueueRepository
	metadataRepo repositories.AnalysisMetadataRepository
	gateway      *llm.MockGateway
	materializer TableMaterializer
	service      *IngestionService
	uploads      UploadService
	dir          string
}

func setupIngestionTest(t *testing.T, typed bool) *ingestionTestContext {
	tc := &ingestionTestContext{
		t:            t,
		testDB:       testhelpers.GetTestDB(t),
		queueRepo:    repositories.NewJobQueueRepository(),
		metadataRepo: repositories.NewAnalysisMetadataRepository(),
		gateway:      &llm.MockGateway{},
		dir:          t.TempDir(),
	}
	_, err := tc.testDB.DB.Pool.Exec(context.Background(), "TRUNCATE csv_queue, excel_queue, analysis_data")
	require.NoError(t, err)

	tc.materializer = NewTableMaterializer(typed, 3, zap.NewNop())
	tc.service = NewIngestionService(
		tc.queueRepo,
		tc.metadataRepo,
		NewSampleReader(DefaultSampleRowLimit),
		newTestInference(tc.gateway, DefaultSchemaBatchSize),
		tc.materializer,
		zap.NewNop(),
		WithMaxUploadRetries(2),
		WithRetryBackoff(func(int) time.Duration { return time.Millisecond }),
	)
	tc.uploads = NewUploadService(tc.queueRepo, tc.metadataRepo, tc.materializer, tc.dir, 1<<20, zap.NewNop())
	return tc
}

// fixedSchema answers every schema prompt with the given name/type pairs.
func fixedSchema(header bool, columns ...[2]string) func(context.Context, string, string) (string, error) {
	return func(context.Context, string, string) (string, error) {
		cols := make([]map[string]string, len(columns))
		insights := map[string]any{}
		for i, c := range columns {
			cols[i] = map[string]string{"column_name": c[0], "data_type": c[1], "is_nullable": "YES"}
			insights[c[0]] = map[string]string{"patterns": "varied", "anomalies": "", "business_significance": "key"}
		}
		contain := "NO"
		if header {
			contain = "YES"
		}
		out, err := json.Marshal(map[string]any{
			"schema":          map[string]any{"columns": cols},
			"contain_columns": map[string]string{"contain_column": contain},
			"column_insights": insights,
		})
		return string(out), err
	}
}

// queue uploads content and claims the resulting job as a worker would.
func (tc *ingestionTestContext) queue(ctx context.Context, name, content string) *models.IngestionJob {
	tc.t.Helper()
	result, err := tc.uploads.Upload(ctx, UploadRequest{UserID: "user-1", FileName: name, Content: strings.NewReader(content)})
	require.NoError(tc.t, err)
	return tc.claim(ctx, result.UploadID)
}

func (tc *ingestionTestContext) claim(ctx context.Context, uploadID uuid.UUID) *models.IngestionJob {
	tc.t.Helper()
	for _, kind := range models.AllFileKinds {
		job, err := tc.queueRepo.ClaimNext(ctx, kind)
		require.NoError(tc.t, err)
		if job != nil {
			require.Equal(tc.t, uploadID, job.UploadID)
			return job
		}
	}
	tc.t.Fatalf("upload %s was not queued", uploadID)
	return nil
}

func (tc *ingestionTestContext) tableExists(ctx context.Context, table string) bool {
	tc.t.Helper()
	var exists bool
	err := tc.testDB.DB.Pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists)
	require.NoError(tc.t, err)
	return exists
}

func (tc *ingestionTestContext) columnType(ctx context.Context, table, column string) string {
	tc.t.Helper()
	var dataType string
	err := tc.testDB.DB.Pool.QueryRow(ctx,
		`SELECT data_type FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`,
		table, column).Scan(&dataType)
	require.NoError(tc.t, err)
	return dataType
}

func (tc *ingestionTestContext) rowCount(ctx context.Context, table string) int {
	tc.t.Helper()
	var n int
	err := tc.testDB.DB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	require.NoError(tc.t, err)
	return n
}

func TestIngestion_WidensTypedColumnOnBadValue(t *testing.T) {
	tc := setupIngestionTest(t, true)
	ctx, cleanup := tc.testDB.ScopedContext(t)
	defer cleanup()

	tc.gateway.CompleteFunc = fixedSchema(true, [2]string{"name", "TEXT"}, [2]string{"age", "INTEGER"})
	job := tc.queue(ctx, "people.csv", "name,age\nAlice,30\nBob,notanumber\n")

	require.NoError(t, tc.service.Handle(ctx, job))

	assert.Equal(t, 2, tc.rowCount(ctx, job.TableName))
	assert.Equal(t, "text", tc.columnType(ctx, job.TableName, "age"))
	assert.Equal(t, "text", tc.columnType(ctx, job.TableName, "name"))

	status, err := tc.queueRepo.GetStatus(ctx, "user-1", job.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, status.Status)
	assert.Equal(t, models.ProgressComplete, status.Progress)

	sources, err := tc.metadataRepo.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "people.csv", sources[0].FileName)
	assert.Equal(t, []string{"name", "age"}, sources[0].Schema.ColumnNames())

	_, err = os.Stat(job.FilePath)
	assert.True(t, os.IsNotExist(err), "uploaded file is removed after loading")
}

func TestTableMaterializer_NoWideningAfterFinalAttempt(t *testing.T) {
	tc := setupIngestionTest(t, true)
	ctx, cleanup := tc.testDB.ScopedContext(t)
	defer cleanup()

	path := filepath.Join(tc.dir, "ages.csv")
	require.NoError(t, os.WriteFile(path, []byte("age\nnotanumber\n"), 0o600))

	tableName := models.TableNameForUpload(uuid.New())
	schema := models.TableSchema{Columns: []models.SchemaColumn{{ColumnName: "age", DataType: "INTEGER"}}}
	materializer := NewTableMaterializer(true, 1, zap.NewNop())
	require.NoError(t, materializer.Create(ctx, tableName, schema))
	defer func() { _ = materializer.Drop(ctx, tableName) }()

	err := materializer.Load(ctx, tableName, path, schema, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 1 attempts")
	assert.Equal(t, "integer", tc.columnType(ctx, tableName, "age"), "no ALTER once attempts are used up")
}

func TestIngestion_TypedColumnKeptWhenValuesFit(t *testing.T) {
	tc := setupIngestionTest(t, true)
	ctx, cleanup := tc.testDB.ScopedContext(t)
	defer cleanup()

	tc.gateway.CompleteFunc = fixedSchema(true, [2]string{"name", "TEXT"}, [2]string{"age", "INTEGER"})
	job := tc.queue(ctx, "people.csv", "name,age\nAlice,30\nBob,\n")

	require.NoError(t, tc.service.Handle(ctx, job))
	assert.Equal(t, 2, tc.rowCount(ctx, job.TableName))
	assert.Equal(t, "integer", tc.columnType(ctx, job.TableName, "age"))
}

func TestIngestion_TextColumnsByDefault(t *testing.T) {
	tc := setupIngestionTest(t, false)
	ctx, cleanup := tc.testDB.ScopedContext(t)
	defer cleanup()

	tc.gateway.CompleteFunc = fixedSchema(false, [2]string{"city", "TEXT"}, [2]string{"population", "BIGINT"})
	job := tc.queue(ctx, "cities.csv", "Oslo,709000\nBergen,285000\nTromso,77000\n")

	require.NoError(t, tc.service.Handle(ctx, job))
	assert.Equal(t, 3, tc.rowCount(ctx, job.TableName), "headerless file keeps its first row")
	assert.Equal(t, "text", tc.columnType(ctx, job.TableName, "population"))
}

func TestIngestion_Excel(t *testing.T) {
	tc := setupIngestionTest(t, false)
	ctx, cleanup := tc.testDB.ScopedContext(t)
	defer cleanup()

	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"product", "units"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"widget", 4}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{"gadget"}))
	var content strings.Builder
	_, err := f.WriteTo(&content)
	require.NoError(t, err)

	tc.gateway.CompleteFunc = fixedSchema(true, [2]string{"product", "TEXT"}, [2]string{"units", "INTEGER"})
	job := tc.queue(ctx, "stock.xlsx", content.String())
	assert.Equal(t, models.FileKindExcel, job.Kind)

	require.NoError(t, tc.service.Handle(ctx, job))
	assert.Equal(t, 2, tc.rowCount(ctx, job.TableName))

	var units *string
	err = tc.testDB.DB.Pool.QueryRow(ctx, "SELECT units FROM "+job.TableName+" WHERE product = 'gadget'").Scan(&units)
	require.NoError(t, err)
	assert.Nil(t, units, "short rows load as NULL")
}

func TestIngestion_FailureCleansUp(t *testing.T) {
	tc := setupIngestionTest(t, false)
	ctx, cleanup := tc.testDB.ScopedContext(t)
	defer cleanup()

	tc.gateway.CompleteFunc = func(context.Context, string, string) (string, error) {
		return "I could not work out the schema", nil
	}
	job := tc.queue(ctx, "broken.csv", "a,b\n1,2\n")

	err := tc.service.Handle(ctx, job)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrMalformedModelOutput)

	status, err := tc.queueRepo.GetStatus(ctx, "user-1", job.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, status.Status)

	assert.False(t, tc.tableExists(ctx, job.TableName))
	sources, err := tc.metadataRepo.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sources)

	_, err = os.Stat(job.FilePath)
	assert.True(t, os.IsNotExist(err))
}

// Abort is what the dispatcher calls when Handle panics part way through a job.
func TestIngestion_AbortReleasesPartialJob(t *testing.T) {
	tc := setupIngestionTest(t, false)
	ctx, cleanup := tc.testDB.ScopedContext(t)
	defer cleanup()

	job := tc.queue(ctx, "partial.csv", "a,b\n1,2\n")
	_, err := tc.testDB.DB.Pool.Exec(ctx, "CREATE TABLE "+job.TableName+" (a TEXT, b TEXT)")
	require.NoError(t, err)
	require.NoError(t, tc.metadataRepo.Create(ctx, &models.AnalysisMetadata{
		UserID:    "user-1",
		TableName: job.TableName,
		FileName:  job.OriginalFileName,
	}))

	tc.service.Abort(ctx, job)

	status, err := tc.queueRepo.GetStatus(ctx, "user-1", job.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, status.Status)
	assert.False(t, tc.tableExists(ctx, job.TableName))

	sources, err := tc.metadataRepo.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sources)

	_, err = os.Stat(job.FilePath)
	assert.True(t, os.IsNotExist(err))
}

func TestIngestion_LoadFailureDropsTable(t *testing.T) {
	tc := setupIngestionTest(t, false)
	ctx, cleanup := tc.testDB.ScopedContext(t)
	defer cleanup()

	// Three columns in the schema, two in every data row: COPY fails on text columns.
	tc.gateway.CompleteFunc = fixedSchema(false, [2]string{"a", "TEXT"}, [2]string{"b", "TEXT"}, [2]string{"c", "TEXT"})
	job := tc.queue(ctx, "ragged.csv", "1,2,3\n4,5\n")

	require.Error(t, tc.service.Handle(ctx, job))
	assert.False(t, tc.tableExists(ctx, job.TableName), "a failed attempt leaves no table behind")
}

func TestUploadService_QueueStatusAndDelete(t *testing.T) {
	tc := setupIngestionTest(t, false)
	ctx, cleanup := tc.testDB.ScopedContext(t)
	defer cleanup()

	result, err := tc.uploads.Upload(ctx, UploadRequest{UserID: "user-1", FileName: "Sales.CSV", Content: strings.NewReader("x,y\n1,2\n")})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, result.Status)
	assert.Equal(t, models.TableNameForUpload(result.UploadID), result.TableName)
	assert.FileExists(t, filepath.Join(tc.dir, result.UploadID.String()+".csv"))

	status, err := tc.uploads.Status(ctx, "user-1", result.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, status.Status)

	_, err = tc.uploads.Status(ctx, "user-2", result.UploadID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	tc.gateway.CompleteFunc = fixedSchema(true, [2]string{"x", "TEXT"}, [2]string{"y", "TEXT"})
	job := tc.claim(ctx, result.UploadID)
	require.NoError(t, tc.service.Handle(ctx, job))

	sources, err := tc.uploads.ListSources(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sources, 1)

	require.NoError(t, tc.uploads.DeleteSource(ctx, "user-1", result.TableName))
	assert.False(t, tc.tableExists(ctx, result.TableName))
	sources, err = tc.uploads.ListSources(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sources)

	assert.ErrorIs(t, tc.uploads.DeleteSource(ctx, "user-1", result.TableName), apperrors.ErrNotFound)
}

func TestUploadService_RejectsBadFiles(t *testing.T) {
	tc := setupIngestionTest(t, false)
	ctx, cleanup := tc.testDB.ScopedContext(t)
	defer cleanup()

	_, err := tc.uploads.Upload(ctx, UploadRequest{UserID: "user-1", FileName: "notes.txt", Content: strings.NewReader("hi")})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedFile)

	big := strings.Repeat("a,b\n", (1<<20)/4+1)
	_, err = tc.uploads.Upload(ctx, UploadRequest{UserID: "user-1", FileName: "big.csv", Content: strings.NewReader(big)})
	assert.ErrorIs(t, err, apperrors.ErrFileTooLarge)

	_, err = tc.uploads.Upload(ctx, UploadRequest{UserID: "user-1", FileName: "empty.csv", Content: strings.NewReader("")})
	assert.Error(t, err)

	entries, err := os.ReadDir(tc.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads leave no files")
}

func TestQueryExecutor_ReadOnly(t *testing.T) {
	tc := setupIngestionTest(t, false)
	ctx, cleanup := tc.testDB.ScopedContext(t)
	defer cleanup()

	exec := NewQueryExecutor(time.Second)
	rows, err := exec.Execute(ctx, "SELECT 1 AS n, 'a' AS s")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["s"])

	_, err = exec.Execute(ctx, "CREATE TABLE should_not_exist (id int)")
	require.Error(t, err)
	assert.False(t, tc.tableExists(ctx, "should_not_exist"))

	_, err = exec.Execute(ctx, "SELECT pg_sleep(3)")
	assert.Error(t, err, "statement timeout applies")
}
