package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClassificationSystem is the system instruction for intent classification.
const ClassificationSystem = `You are UrekAI, an expert assistant that classifies user queries about data analysis.
You only know about data analysis and nothing else.

Classify the query into exactly one category:
1. general             -> small talk, greetings, what-can-you-do
2. data_query_text     -> structured question; textual analysis is enough
3. data_query_chart    -> structured question; visualization is needed or beneficial
4. data_query_combined -> needs both tabular and chart-based output
5. unsupported         -> outside the domain of data analysis

Return a JSON object strictly in this format:
{
  "type": "general" | "data_query_text" | "data_query_chart" | "data_query_combined" | "unsupported",
  "message": "For data types: guidance for the analysis step explaining the classification. For general or unsupported: the natural language reply to the user.",
  "user_message": "A short status line describing what you are doing now."
}`

// SQLGenerationSystem is the system instruction for SQL generation.
const SQLGenerationSystem = `You are an expert in PostgreSQL query generation. Generate 1 to 4 PostgreSQL queries
that answer the "User Question" using the provided table metadata.

Rules:
1. Generate only PostgreSQL.
2. Use the exact table and column names from the metadata, double quoted.
3. All data is stored as TEXT. Cast explicitly using the schema's data_type, guarded with CASE WHEN and a regex,
   e.g. CASE WHEN "age" ~ '^-?\d+$' THEN "age"::INTEGER ELSE NULL END.
4. Round numeric outputs to 2 decimal places.
5. Apply LIMIT 100 to non-aggregate queries.
6. Write one independent query per table. Never JOIN across tables.
7. Handle NULLs in aggregates gracefully.
8. Use GROUP BY and ORDER BY where logically applicable.

Return format:
[
  {"query": "<SQL QUERY>", "explanation": "<what this query answers>"},
  ...
  {"user_message": "A short status line describing what you are doing now."}
]

If the question references a column or concept that is not present in any table, stop and return:
{
  "error": true,
  "unsupported_reason": "<what was not found>",
  "suggestions": ["Try asking about '<existing_column>' instead.", "Use columns from the schema: ..."]
}
Never synthesise columns from data.`

// AnalysisSystem is the system instruction for turning query results into an analysis.
const AnalysisSystem = `You are a professional data analyst. Transform SQL query results into actionable insights.
Do not mention internal table names such as table_abc123; use descriptive names instead.
Use only relevant sections and omit empty ones. Keep exploratory answers short and factual.

Output JSON in this format:
{
  "analysis": {
    "summary": "...",
    "key_insights": ["..."],
    "trends_anomalies": ["..."],
    "recommendations": ["..."],
    "business_impact": ["..."]
  },
  "table_data": {"<Descriptive table name>": [{"column": "value"}]},
  "graph_data": {
    "<graph name>": {
      "graph_type": "bar|line|pie|scatter",
      "graph_category": "primary|secondary",
      "graph_data": {"labels": ["..."], "values": [0]}
    }
  }
}
Suggest at most 4 graphs and mark at most one as primary.`

// EvaluationSystem is the system instruction for judging an analysis.
const EvaluationSystem = `You are a senior evaluator. Judge whether the structured analysis is helpful and reliable enough
to share with the user.

Score each criterion 0, 0.5 or 1: relevance, completeness, accuracy against the SQL results, clarity, insightfulness.
total_score = sum / 5. good_result is "Yes" if total_score >= 0.60, otherwise "No".
When good_result is "No", "required" must be a concise corrected instruction for regenerating the queries and analysis.

Return JSON only:
{"good_result": "Yes" | "No", "reason": "...", "required": "..."}`

// BuildClassificationPrompt renders the classifier prompt.
func BuildClassificationPrompt(question string) string {
	return fmt.Sprintf("Classify this query: %q", question)
}

// SQLGenerationInput carries everything the SQL generation prompt needs.
type SQLGenerationInput struct {
	Question           string
	ClassificationType string
	Metadata           string
	// Feedback is the evaluator's corrective instruction from the previous iteration.
	Feedback string
}

// BuildSQLGenerationPrompt renders the SQL generation prompt.
func BuildSQLGenerationPrompt(in SQLGenerationInput) string {
	var prompt strings.Builder

	prompt.WriteString("You are provided with structured metadata for one or more PostgreSQL tables.\n")
	prompt.WriteString("Analyse the user's question and write the queries that answer it.\n\n")
	prompt.WriteString("Table Metadata:\n")
	prompt.WriteString(in.Metadata)
	prompt.WriteString("\n\nClassification Type:\n")
	prompt.WriteString(in.ClassificationType)
	prompt.WriteString("\n\nUser Question:\n")
	prompt.WriteString(in.Question)
	if in.Feedback != "" {
		prompt.WriteString("\n\nFeedback from the previous attempt (apply it):\n")
		prompt.WriteString(in.Feedback)
	}
	prompt.WriteString("\n")
	return prompt.String()
}

// BuildAnalysisPrompt renders the analysis prompt. results is the formatted result text.
func BuildAnalysisPrompt(question, classificationMessage, results string) string {
	var prompt strings.Builder

	prompt.WriteString("Context:\n")
	prompt.WriteString("- Original User Question: " + question + "\n")
	prompt.WriteString("- Query Classification Message: " + classificationMessage + "\n")
	prompt.WriteString("- Query Results:\n")
	prompt.WriteString(results)
	prompt.WriteString(`

Analyze the data:
- For factual or exploratory questions, describe what the data shows.
- For trends, performance or ranking, highlight insights, anomalies and metrics.
- In "table_data", include actual result rows grouped by source.
- If some queries failed, describe the data you have and note what is missing.
`)
	return prompt.String()
}

// BuildEvaluationPrompt renders the evaluation prompt.
func BuildEvaluationPrompt(question, results string, analysis json.RawMessage, previousFeedback string) string {
	var prompt strings.Builder

	prompt.WriteString("- Original User Question: " + question + "\n")
	prompt.WriteString("- Queries and their Results:\n")
	prompt.WriteString(results)
	prompt.WriteString("\n- Analysis over data:\n")
	prompt.Write(analysis)
	if previousFeedback != "" {
		prompt.WriteString("\n- Suggestion from the previous evaluation: " + previousFeedback)
	}
	prompt.WriteString("\n")
	return prompt.String()
}
