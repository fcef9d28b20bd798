package models

import (
	"time"

	"github.com/urekai/urekai-engine/pkg/jsonutil"
)

// SchemaColumn is one inferred column. IsNullable keeps the model's "YES"/"NO" text.
type SchemaColumn struct {
	ColumnName string `json:"column_name"`
	DataType   string `json:"data_type"`
	IsNullable string `json:"is_nullable"`
}

// TableSchema is the ordered column list of a materialized table.
type TableSchema struct {
	Columns []SchemaColumn `json:"columns"`
}

// ColumnNames returns the column names in table order.
func (s TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.ColumnName
	}
	return names
}

// ColumnInsight is the model's free-text commentary on a column.
type ColumnInsight struct {
	Patterns             jsonutil.FlexibleText `json:"patterns"`
	Anomalies            jsonutil.FlexibleText `json:"anomalies"`
	BusinessSignificance jsonutil.FlexibleText `json:"business_significance"`
}

// AnalysisMetadata describes one fully loaded user table. Keyed by (UserID, TableName).
type AnalysisMetadata struct {
	UserID         string                   `json:"user_id"`
	TableName      string                   `json:"table_name"`
	FileName       string                   `json:"file_name"`
	Schema         TableSchema              `json:"schema"`
	ColumnInsights map[string]ColumnInsight `json:"column_insights"`
	CreatedAt      time.Time                `json:"created_at"`
}
