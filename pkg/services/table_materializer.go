package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/apperrors"
	"github.com/urekai/urekai-engine/pkg/database"
	"github.com/urekai/urekai-engine/pkg/models"
)

// DefaultMaxLoadAttempts bounds COPY attempts per load, widenings included.
const DefaultMaxLoadAttempts = 3

// TableMaterializer creates, loads and drops the per-upload tables.
type TableMaterializer interface {
	// Create creates the table for a schema. Column names are sanitized.
	Create(ctx context.Context, tableName string, schema models.TableSchema) error

	// Load bulk-loads a CSV file into the table with COPY, widening column types
	// when a value does not fit.
	Load(ctx context.Context, tableName, filePath string, schema models.TableSchema, hasHeader bool) error

	// Drop removes the table if it exists.
	Drop(ctx context.Context, tableName string) error
}

type tableMaterializer struct {
	typedColumns bool
	maxAttempts  int
	logger       *zap.Logger
}

// NewTableMaterializer creates a materializer. With typedColumns the inferred column
// types are used where allowed; otherwise every column is TEXT.
func NewTableMaterializer(typedColumns bool, maxAttempts int, logger *zap.Logger) TableMaterializer {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxLoadAttempts
	}
	return &tableMaterializer{
		typedColumns: typedColumns,
		maxAttempts:  maxAttempts,
		logger:       logger.Named("table-materializer"),
	}
}

var _ TableMaterializer = (*tableMaterializer)(nil)

func (m *tableMaterializer) Create(ctx context.Context, tableName string, schema models.TableSchema) error {
	table, err := quoteTable(tableName)
	if err != nil {
		return err
	}
	if len(schema.Columns) == 0 {
		return fmt.Errorf("%w: no columns for %s", apperrors.ErrInvalidSchema, tableName)
	}

	defs := make([]string, len(schema.Columns))
	for i, col := range schema.Columns {
		name, err := quoteColumn(col.ColumnName)
		if err != nil {
			return err
		}
		defs[i] = name + " " + m.physicalType(col.DataType)
	}

	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
	if _, err := q.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", tableName, err)
	}

	m.logger.Debug("Created table", zap.String("table_name", tableName), zap.Int("columns", len(defs)))
	return nil
}

func (m *tableMaterializer) Load(ctx context.Context, tableName, filePath string, schema models.TableSchema, hasHeader bool) error {
	table, err := quoteTable(tableName)
	if err != nil {
		return err
	}

	cols := make([]string, len(schema.Columns))
	types := make(map[string]string, len(schema.Columns))
	for i, col := range schema.Columns {
		quoted, err := quoteColumn(col.ColumnName)
		if err != nil {
			return err
		}
		cols[i] = quoted
		types[SanitizeIdentifier(col.ColumnName)] = m.physicalType(col.DataType)
	}

	copySQL := fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv, HEADER %t, NULL '')",
		table, strings.Join(cols, ", "), hasHeader)
	plan := NewWideningPlan(types)

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		rows, err := m.copyFile(ctx, copySQL, filePath)
		if err == nil {
			m.logger.Info("Loaded table",
				zap.String("table_name", tableName),
				zap.Int64("rows", rows),
				zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err

		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return fmt.Errorf("load %s: %w", tableName, err)
		}

		widening, err := plan.Next(pgErr)
		if err != nil {
			return fmt.Errorf("load %s: %w", tableName, err)
		}
		if attempt == m.maxAttempts {
			break
		}

		m.logger.Warn("Widening column after failed load",
			zap.String("table_name", tableName),
			zap.String("column", widening.Column),
			zap.String("from", widening.From),
			zap.String("to", widening.To),
			zap.String("pg_code", pgErr.Code),
			zap.Int("attempt", attempt))

		if err := m.alterColumn(ctx, table, widening); err != nil {
			return fmt.Errorf("load %s: %w", tableName, err)
		}
	}

	return fmt.Errorf("load %s: gave up after %d attempts: %w", tableName, m.maxAttempts, lastErr)
}

func (m *tableMaterializer) copyFile(ctx context.Context, copySQL, filePath string) (int64, error) {
	conn, err := database.GetPgConn(ctx)
	if err != nil {
		return 0, err
	}

	f, err := OpenUTF8(filePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	tag, err := conn.CopyFrom(ctx, f, copySQL)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (m *tableMaterializer) alterColumn(ctx context.Context, table string, w *Widening) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}
	col := pgx.Identifier{w.Column}.Sanitize()
	alter := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s", table, col, w.To, col, w.To)
	if _, err := q.Exec(ctx, alter); err != nil {
		return fmt.Errorf("alter column %s to %s: %w", w.Column, w.To, err)
	}
	return nil
}

func (m *tableMaterializer) Drop(ctx context.Context, tableName string) error {
	table, err := quoteTable(tableName)
	if err != nil {
		return err
	}
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
		return fmt.Errorf("drop table %s: %w", tableName, err)
	}
	return nil
}

// physicalType is the column type used in CREATE TABLE.
func (m *tableMaterializer) physicalType(inferred string) string {
	if !m.typedColumns {
		return "text"
	}
	t := normalizeType(inferred)
	if !allowedColumnType(t) {
		return "text"
	}
	return t
}

func quoteTable(tableName string) (string, error) {
	name := SanitizeIdentifier(tableName)
	if name == "" {
		return "", fmt.Errorf("%w: invalid table name %q", apperrors.ErrInvalidSchema, tableName)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

func quoteColumn(columnName string) (string, error) {
	name := SanitizeIdentifier(columnName)
	if name == "" {
		return "", fmt.Errorf("%w: invalid column name %q", apperrors.ErrInvalidSchema, columnName)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}
