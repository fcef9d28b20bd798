// Package prompts builds the instructions and prompts sent to the language model.
package prompts

import (
	"fmt"
	"strings"
)

// SchemaInferenceSystem is the system instruction for schema inference batches.
const SchemaInferenceSystem = `You are a data structure and schema inference expert. Your role is to analyze
tabular data samples and generate a clean, structured schema for PostgreSQL.
Focus on:
1. Accurately identifying column names, resolving formatting issues, and inferring data types
2. Ensuring the schema is reliable for downstream data analysis and querying`

// DateTimeTypes lists the temporal types the model may choose from.
var DateTimeTypes = []string{"DATE", "TIME", "TIMESTAMP", "TIMESTAMPTZ", "INTERVAL"}

// SchemaBatch is the slice of sample rows covering one column batch.
type SchemaBatch struct {
	TableName   string
	Rows        [][]string
	ColumnCount int
	// ColumnOffset is the position of the batch's first column in the file.
	ColumnOffset int
}

// BuildSchemaBatchPrompt renders the prompt for one column batch.
func BuildSchemaBatchPrompt(b SchemaBatch) string {
	var prompt strings.Builder

	prompt.WriteString(fmt.Sprintf("Table Name: %s\n", b.TableName))
	prompt.WriteString("Sample Datarows:\n")
	for i, row := range b.Rows {
		prompt.WriteString(fmt.Sprintf("row%02d: %s\n", i+1, strings.Join(row, ", ")))
	}
	prompt.WriteString(fmt.Sprintf("Number of Columns: %d\n", b.ColumnCount))
	if b.ColumnOffset > 0 {
		prompt.WriteString(fmt.Sprintf("These are columns %d to %d of a wider file.\n",
			b.ColumnOffset+1, b.ColumnOffset+b.ColumnCount))
	}

	prompt.WriteString(`
Analyze the tabular data sample above and generate a PostgreSQL-compatible JSON schema.

Step 1: Column Naming
- Use column names from the sample rows if provided.
- If names are missing or contain typos (e.g., 'em#il'), correct them based on context.
- If a column has no name or is named NULL, infer a meaningful name from its data.
- Ensure unique column names. If duplicates exist, append numeric suffixes (e.g., 'name_1', 'name_2').
- Preserve the original column order.

Step 2: Column Typing
- Infer the PostgreSQL data type of each column from the sample values.
`)
	prompt.WriteString(fmt.Sprintf("- For date/time values use one of: %s\n", strings.Join(DateTimeTypes, ", ")))
	prompt.WriteString(`- For formatted numbers (e.g., '17,50,000', '$1,234.56'), use TEXT to preserve formatting.

Step 3: Column Insights
- Provide a brief insight for each column explaining its content or business relevance.

Step 4: Header Detection
- Set contain_columns.contain_column to "YES" if the first sample row is a header row, otherwise "NO".

`)
	prompt.WriteString(fmt.Sprintf("The number of columns in your output MUST be exactly %d.\n\n", b.ColumnCount))
	prompt.WriteString(`Respond only with JSON:
{
  "schema": {
    "columns": [{"column_name": "string", "data_type": "string", "is_nullable": "YES/NO"}]
  },
  "contain_columns": {"contain_column": "YES/NO"},
  "column_insights": {
    "col_name": {"patterns": ["..."], "anomalies": ["..."], "business_significance": "..."}
  }
}
`)
	return prompt.String()
}
