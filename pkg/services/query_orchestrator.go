package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/apperrors"
	"github.com/urekai/urekai-engine/pkg/audit"
	"github.com/urekai/urekai-engine/pkg/jsonutil"
	"github.com/urekai/urekai-engine/pkg/llm"
	"github.com/urekai/urekai-engine/pkg/logging"
	"github.com/urekai/urekai-engine/pkg/models"
	"github.com/urekai/urekai-engine/pkg/prompts"
	"github.com/urekai/urekai-engine/pkg/repositories"
	"github.com/urekai/urekai-engine/pkg/retry"
	sqlcheck "github.com/urekai/urekai-engine/pkg/sql"
)

// DefaultMaxIterations is the generate/execute/analyze/evaluate budget per question.
const DefaultMaxIterations = 3

const (
	classificationFallbackMessage = "Unable to parse classification, defaulting to general query"
	queryExecutionFailedMessage   = "Query execution failed"
	noRowsFeedback                = "The queries returned no rows. Re-check filters, casts and column names against the table metadata."
)

// Stage names a step of the query loop, reported through RunOptions.OnStep.
type Stage string

const (
	StageClassifying Stage = "classifying"
	StageFetching    Stage = "fetching_metadata"
	StageGenerating  Stage = "generating"
	StageExecuting   Stage = "executing"
	StageAnalyzing   Stage = "analyzing"
	StageEvaluating  Stage = "evaluating"
	// StageResult reports one executed query; StageFeedback carries the evaluator's
	// request for the next iteration.
	StageResult   Stage = "result"
	StageFeedback Stage = "feedback"
)

// Step is a progress update for one stage of one iteration.
type Step struct {
	Iteration int    `json:"iteration"`
	Stage     Stage  `json:"stage"`
	Message   string `json:"message"`
}

// RunOptions adjusts one Run.
type RunOptions struct {
	// Immediate accepts the first analysis without evaluating it.
	Immediate bool
	// OnStep, if set, receives a Step as each stage starts.
	OnStep func(Step)
}

// QueryOutcome is the answer to one question. General and unsupported questions carry
// only Message; data questions carry the accepted Analysis.
type QueryOutcome struct {
	Type       models.QueryType        `json:"type"`
	Message    string                  `json:"message,omitempty"`
	Analysis   *models.Analysis        `json:"analysis,omitempty"`
	Queries    []models.GeneratedQuery `json:"queries,omitempty"`
	Iterations int                     `json:"iterations"`
	Attempts   []models.QueryAttempt   `json:"-"`
}

// QueryOrchestrator answers natural-language questions over the user's tables.
type QueryOrchestrator interface {
	// Run answers one question. Terminal errors: apperrors.ErrNoData,
	// *UnsupportedError, apperrors.ErrBudgetExhausted, or a gateway error after retries.
	Run(ctx context.Context, userID, question string, opts RunOptions) (*QueryOutcome, error)
}

type queryOrchestrator struct {
	gateway       llm.Gateway
	metadataRepo  repositories.AnalysisMetadataRepository
	executor      QueryExecutor
	retryCfg      *retry.Config
	maxIterations int
	auditor       *audit.SecurityAuditor
	logger        *zap.Logger
}

// OrchestratorOption configures a query orchestrator.
type OrchestratorOption func(*queryOrchestrator)

// WithSecurityAuditor reports rejected and executed generated SQL to the auditor.
func WithSecurityAuditor(auditor *audit.SecurityAuditor) OrchestratorOption {
	return func(o *queryOrchestrator) {
		o.auditor = auditor
	}
}

// NewQueryOrchestrator creates a query orchestrator.
func NewQueryOrchestrator(
	gateway llm.Gateway,
	metadataRepo repositories.AnalysisMetadataRepository,
	executor QueryExecutor,
	retryCfg *retry.Config,
	maxIterations int,
	logger *zap.Logger,
	opts ...OrchestratorOption,
) QueryOrchestrator {
	if maxIterations < 1 {
		maxIterations = DefaultMaxIterations
	}
	o := &queryOrchestrator{
		gateway:       gateway,
		metadataRepo:  metadataRepo,
		executor:      executor,
		retryCfg:      retryCfg,
		maxIterations: maxIterations,
		logger:        logger.Named("query-orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var _ QueryOrchestrator = (*queryOrchestrator)(nil)

func (o *queryOrchestrator) Run(ctx context.Context, userID, question string, opts RunOptions) (*QueryOutcome, error) {
	step := func(iteration int, stage Stage, message string) {
		if opts.OnStep != nil {
			opts.OnStep(Step{Iteration: iteration, Stage: stage, Message: message})
		}
	}

	step(0, StageClassifying, "Understanding your question")
	classification, err := o.classify(ctx, question)
	if err != nil {
		return nil, err
	}
	if classification.Type.IsTerminal() {
		return &QueryOutcome{Type: classification.Type, Message: classification.Message}, nil
	}

	step(0, StageFetching, statusLine(classification.UserMessage, "Looking at your data"))
	tables, err := o.metadataRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	if len(tables) == 0 {
		return nil, apperrors.ErrNoData
	}
	metadata, err := flattenMetadata(tables)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(tables))
	for _, t := range tables {
		owned[t.TableName] = true
	}

	logger := o.logger.With(zap.String("user_id", userID), zap.String("type", string(classification.Type)))
	outcome := &QueryOutcome{Type: classification.Type}
	feedback := ""

	for iteration := 1; iteration <= o.maxIterations; iteration++ {
		outcome.Iterations = iteration
		attempt := models.QueryAttempt{Iteration: iteration, Classification: *classification}
		logger := logger.With(zap.Int("iteration", iteration))

		step(iteration, StageGenerating, "Writing queries")
		queries, err := o.generate(ctx, question, classification, metadata, feedback, owned)
		if err != nil {
			var unsupported *UnsupportedError
			if errors.As(err, &unsupported) {
				return nil, unsupported
			}
			if !isStepFailure(err) {
				return nil, fmt.Errorf("generate queries: %w", err)
			}
			logger.Warn("Query generation failed", zap.Error(err))
			var rejected *RejectedQueryError
			if errors.As(err, &rejected) {
				o.auditor.LogRejectedQuery(userID, audit.RejectedQueryDetails{
					Question:    question,
					Query:       rejected.Query,
					Reason:      rejected.Err.Error(),
					Fingerprint: rejected.Fingerprint,
				})
			}
			outcome.Attempts = append(outcome.Attempts, attempt)
			feedback = ""
			continue
		}
		attempt.GeneratedQueries = queries

		step(iteration, StageExecuting, fmt.Sprintf("Running %d queries", len(queries)))
		attempt.Results = o.execute(ctx, userID, queries, logger)
		for i, r := range attempt.Results {
			step(iteration, StageResult, resultLine(i, r))
		}
		resultText := formatResults(attempt.Results)

		if !hasRows(attempt.Results) {
			logger.Info("Queries returned no rows")
			outcome.Attempts = append(outcome.Attempts, attempt)
			feedback = noRowsFeedback
			continue
		}

		step(iteration, StageAnalyzing, "Analyzing the results")
		analysis, analysisJSON, err := o.analyze(ctx, question, classification, resultText)
		if err != nil {
			if !isStepFailure(err) {
				return nil, fmt.Errorf("analyze results: %w", err)
			}
			logger.Warn("Analysis failed", zap.Error(err))
			outcome.Attempts = append(outcome.Attempts, attempt)
			feedback = ""
			continue
		}
		attempt.Analysis = analysis

		if opts.Immediate {
			outcome.Attempts = append(outcome.Attempts, attempt)
			return accept(outcome, attempt), nil
		}

		step(iteration, StageEvaluating, "Checking the analysis")
		evaluation, err := o.evaluate(ctx, question, resultText, analysisJSON, feedback)
		if err != nil {
			if !isStepFailure(err) {
				return nil, fmt.Errorf("evaluate analysis: %w", err)
			}
			logger.Warn("Evaluation failed", zap.Error(err))
			outcome.Attempts = append(outcome.Attempts, attempt)
			feedback = ""
			continue
		}
		attempt.Evaluation = evaluation
		outcome.Attempts = append(outcome.Attempts, attempt)

		if evaluation.Accepted() {
			logger.Info("Analysis accepted")
			return accept(outcome, attempt), nil
		}
		logger.Info("Analysis rejected", zap.String("reason", evaluation.Reason))
		feedback = evaluation.Required
		if strings.TrimSpace(feedback) != "" {
			step(iteration, StageFeedback, feedback)
		}
	}

	return nil, apperrors.ErrBudgetExhausted
}

func accept(outcome *QueryOutcome, attempt models.QueryAttempt) *QueryOutcome {
	outcome.Analysis = attempt.Analysis
	outcome.Queries = attempt.GeneratedQueries
	return outcome
}

// isStepFailure reports whether err fails only the current iteration: unparseable
// model output or generated SQL that did not pass the guard or reads outside the user's tables.
func isStepFailure(err error) bool {
	return errors.Is(err, llm.ErrMalformedModelOutput) ||
		errors.Is(err, ErrNoQueries) ||
		errors.Is(err, ErrNotSelect) ||
		errors.Is(err, ErrSuspiciousLiteral) ||
		errors.Is(err, ErrForeignRelation) ||
		errors.Is(err, ErrRestrictedFunction) ||
		errors.Is(err, sqlcheck.ErrMultipleStatements) ||
		errors.Is(err, sqlcheck.ErrEmptyStatement)
}

// complete calls the gateway through the retry executor.
func (o *queryOrchestrator) complete(ctx context.Context, operation, system, prompt string) (string, error) {
	return retry.DoWithResult(ctx, o.retryCfg, operation, func(ctx context.Context) (string, error) {
		return o.gateway.Complete(ctx, system, prompt)
	})
}

type classificationResponse struct {
	Type        jsonutil.FlexibleString `json:"type"`
	Message     jsonutil.FlexibleString `json:"message"`
	UserMessage jsonutil.FlexibleString `json:"user_message"`
}

func (o *queryOrchestrator) classify(ctx context.Context, question string) (*models.Classification, error) {
	text, err := o.complete(ctx, "query classification", prompts.ClassificationSystem, prompts.BuildClassificationPrompt(question))
	if err != nil {
		return nil, fmt.Errorf("classify query: %w", err)
	}
	return parseClassification(text, o.logger), nil
}

// parseClassification never fails: anything unusable becomes a general classification.
func parseClassification(text string, logger *zap.Logger) *models.Classification {
	fallback := &models.Classification{Type: models.QueryTypeGeneral, Message: classificationFallbackMessage}

	resp, err := llm.Decode[classificationResponse](text)
	if err != nil {
		logger.Warn("Unparseable classification", zap.String("response", logging.Excerpt(text)), zap.Error(err))
		return fallback
	}

	c := &models.Classification{
		Type:        models.QueryType(strings.ToLower(strings.TrimSpace(resp.Type.String()))),
		Message:     resp.Message.String(),
		UserMessage: resp.UserMessage.String(),
	}
	switch c.Type {
	case models.QueryTypeGeneral, models.QueryTypeUnsupported,
		models.QueryTypeDataText, models.QueryTypeDataChart, models.QueryTypeDataCombined:
	default:
		logger.Warn("Unknown classification type", zap.String("type", string(c.Type)))
		return fallback
	}
	if c.Message == "" {
		return fallback
	}
	return c
}

// generate asks for SQL and keeps it only if every query reads nothing but owned tables.
func (o *queryOrchestrator) generate(ctx context.Context, question string, c *models.Classification, metadata, feedback string, owned map[string]bool) ([]models.GeneratedQuery, error) {
	prompt := prompts.BuildSQLGenerationPrompt(prompts.SQLGenerationInput{
		Question:           question,
		ClassificationType: string(c.Type),
		Metadata:           metadata,
		Feedback:           feedback,
	})
	text, err := o.complete(ctx, "SQL generation", prompts.SQLGenerationSystem, prompt)
	if err != nil {
		return nil, err
	}
	queries, err := ParseGeneratedQueries(text)
	if err != nil {
		return nil, err
	}
	for i, q := range queries {
		if err := ScopeQuery(q.Query, owned); err != nil {
			return nil, fmt.Errorf("query %d: %w", i+1, err)
		}
	}
	return queries, nil
}

// execute runs every query independently; a failed query does not stop the others.
func (o *queryOrchestrator) execute(ctx context.Context, userID string, queries []models.GeneratedQuery, logger *zap.Logger) []models.QueryResult {
	results := make([]models.QueryResult, len(queries))
	for i, q := range queries {
		rows, err := o.executor.Execute(ctx, q.Query)
		if err != nil {
			logger.Warn("Generated query failed",
				zap.String("query", logging.SanitizeQuery(q.Query)),
				zap.String("error", logging.SanitizeError(err)))
			results[i] = models.QueryResult{Query: q.Query, Error: queryExecutionFailedMessage}
			continue
		}
		o.auditor.LogQueryExecution(userID, q.Query, len(rows))
		results[i] = models.QueryResult{Query: q.Query, Rows: rows}
	}
	return results
}

func (o *queryOrchestrator) analyze(ctx context.Context, question string, c *models.Classification, results string) (*models.Analysis, json.RawMessage, error) {
	text, err := o.complete(ctx, "analysis generation", prompts.AnalysisSystem, prompts.BuildAnalysisPrompt(question, c.Message, results))
	if err != nil {
		return nil, nil, err
	}

	analysis, err := llm.Decode[models.Analysis](text)
	if err != nil {
		return nil, nil, err
	}
	analysis.NormalizeGraphs()

	raw, err := json.Marshal(analysis)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal analysis: %w", err)
	}
	return &analysis, raw, nil
}

func (o *queryOrchestrator) evaluate(ctx context.Context, question, results string, analysis json.RawMessage, feedback string) (*models.Evaluation, error) {
	text, err := o.complete(ctx, "analysis evaluation", prompts.EvaluationSystem, prompts.BuildEvaluationPrompt(question, results, analysis, feedback))
	if err != nil {
		return nil, err
	}
	evaluation, err := llm.Decode[models.Evaluation](text)
	if err != nil {
		return nil, err
	}
	return &evaluation, nil
}

// tableContext is the per-table view flattened into the SQL generation prompt.
type tableContext struct {
	TableName      string                          `json:"table_name"`
	FileName       string                          `json:"file_name"`
	Columns        []models.SchemaColumn           `json:"columns"`
	ColumnInsights map[string]models.ColumnInsight `json:"column_insights,omitempty"`
}

func flattenMetadata(tables []*models.AnalysisMetadata) (string, error) {
	contexts := make([]tableContext, len(tables))
	for i, t := range tables {
		contexts[i] = tableContext{
			TableName:      t.TableName,
			FileName:       t.FileName,
			Columns:        t.Schema.Columns,
			ColumnInsights: t.ColumnInsights,
		}
	}
	v, err := models.ValueOf(contexts)
	if err != nil {
		return "", fmt.Errorf("flatten metadata: %w", err)
	}
	return models.Flatten(v, 0), nil
}

// formatResults renders results for the analysis and evaluation prompts.
func formatResults(results []models.QueryResult) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "Query %d:\n%s\n", i+1, r.Query)
		if r.Failed() {
			fmt.Fprintf(&b, "Error: %s\n\n", r.Error)
			continue
		}
		rows, err := json.Marshal(r.Rows)
		if err != nil {
			rows = []byte(fmt.Sprintf("%q", err.Error()))
		}
		fmt.Fprintf(&b, "Results:\n%s\n\n", rows)
	}
	return strings.TrimRight(b.String(), "\n")
}

func resultLine(i int, r models.QueryResult) string {
	if r.Failed() {
		return fmt.Sprintf("Result %d: query failed", i+1)
	}
	return fmt.Sprintf("Result %d: %d rows", i+1, len(r.Rows))
}

// hasRows reports whether the first query produced data.
func hasRows(results []models.QueryResult) bool {
	return len(results) > 0 && !results[0].Failed() && len(results[0].Rows) > 0
}

func statusLine(message, fallback string) string {
	if strings.TrimSpace(message) == "" {
		return fallback
	}
	return message
}
