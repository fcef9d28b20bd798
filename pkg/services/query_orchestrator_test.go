package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/urekai/urekai-engine/pkg/apperrors"
	"github.com/urekai/urekai-engine/pkg/audit"
	"github.com/urekai/urekai-engine/pkg/llm"
	"github.com/urekai/urekai-engine/pkg/models"
	"github.com/urekai/urekai-engine/pkg/prompts"
)

type fakeMetadataRepo struct {
	mu        sync.Mutex
	tables    map[string][]*models.AnalysisMetadata
	listCalls int
}

func newFakeMetadataRepo(tables ...*models.AnalysisMetadata) *fakeMetadataRepo {
	r := &fakeMetadataRepo{tables: map[string][]*models.AnalysisMetadata{}}
	for _, t := range tables {
		r.tables[t.UserID] = append(r.tables[t.UserID], t)
	}
	return r
}

func (r *fakeMetadataRepo) Create(_ context.Context, meta *models.AnalysisMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[meta.UserID] = append(r.tables[meta.UserID], meta)
	return nil
}

func (r *fakeMetadataRepo) ListByUser(_ context.Context, userID string) ([]*models.AnalysisMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	return r.tables[userID], nil
}

func (r *fakeMetadataRepo) Delete(_ context.Context, userID, tableName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tables[userID] {
		if t.TableName == tableName {
			r.tables[userID] = append(r.tables[userID][:i], r.tables[userID][i+1:]...)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (r *fakeMetadataRepo) ListCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listCalls
}

type fakeExecutor struct {
	mu      sync.Mutex
	queries []string
	rows    []map[string]any
	fail    func(query string) bool
}

func (e *fakeExecutor) Execute(_ context.Context, query string) ([]map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queries = append(e.queries, query)
	if e.fail != nil && e.fail(query) {
		return nil, errors.New(`ERROR: column "profit" does not exist`)
	}
	return e.rows, nil
}

func (e *fakeExecutor) Queries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.queries...)
}

func salesTable() *models.AnalysisMetadata {
	return &models.AnalysisMetadata{
		UserID:    "user-1",
		TableName: "table_sales",
		FileName:  "sales.csv",
		Schema: models.TableSchema{Columns: []models.SchemaColumn{
			{ColumnName: "region", DataType: "TEXT", IsNullable: "YES"},
			{ColumnName: "amount", DataType: "NUMERIC", IsNullable: "YES"},
		}},
	}
}

// scriptedGateway routes each call by system instruction.
type scriptedGateway struct {
	classify   func() string
	generate   func(call int, prompt string) string
	analyze    func(call int) string
	evaluate   func(call int) string
	mu         sync.Mutex
	counts     map[string]int
	genPrompts []string
}

func (g *scriptedGateway) complete(_ context.Context, system, prompt string) (string, error) {
	g.mu.Lock()
	if g.counts == nil {
		g.counts = map[string]int{}
	}
	g.counts[system]++
	n := g.counts[system]
	if system == prompts.SQLGenerationSystem {
		g.genPrompts = append(g.genPrompts, prompt)
	}
	g.mu.Unlock()

	switch system {
	case prompts.ClassificationSystem:
		return g.classify(), nil
	case prompts.SQLGenerationSystem:
		return g.generate(n, prompt), nil
	case prompts.AnalysisSystem:
		return g.analyze(n), nil
	case prompts.EvaluationSystem:
		return g.evaluate(n), nil
	}
	return "", errors.New("unexpected system instruction")
}

func (g *scriptedGateway) count(system string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[system]
}

func dataClassification() string {
	return `{"type": "data_query_text", "message": "Sum sales by region", "user_message": "Looking at sales"}`
}

func oneQuery(int, string) string {
	return `[{"query": "SELECT \"region\", SUM(\"amount\"::numeric) FROM \"table_sales\" GROUP BY \"region\"", "explanation": "sales by region"}]`
}

func analysisFor(call int) string {
	return `{"analysis": {"summary": "iteration ` + string(rune('0'+call)) + `"}, "table_data": {"Sales": [{"region": "North"}]}}`
}

func newTestOrchestrator(g *scriptedGateway, repo *fakeMetadataRepo, exec QueryExecutor) (QueryOrchestrator, *llm.MockGateway) {
	mock := &llm.MockGateway{CompleteFunc: g.complete}
	return NewQueryOrchestrator(mock, repo, exec, fastRetry(), 3, zap.NewNop()), mock
}

func TestQueryOrchestrator_GeneralShortCircuits(t *testing.T) {
	g := &scriptedGateway{classify: func() string {
		return `{"type": "general", "message": "Hi! Ask me about your data."}`
	}}
	repo := newFakeMetadataRepo(salesTable())
	orch, mock := newTestOrchestrator(g, repo, &fakeExecutor{})

	outcome, err := orch.Run(context.Background(), "user-1", "Hello", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.QueryTypeGeneral, outcome.Type)
	assert.Equal(t, "Hi! Ask me about your data.", outcome.Message)
	assert.Equal(t, 0, repo.ListCalls(), "general questions must not touch metadata")
	assert.Equal(t, 1, mock.CallCount())
	assert.Equal(t, `Classify this query: "Hello"`, mock.Calls()[0].UserPrompt)
}

func TestQueryOrchestrator_UnsupportedClassification(t *testing.T) {
	g := &scriptedGateway{classify: func() string {
		return `{"type": "unsupported", "message": "I can only help with data analysis."}`
	}}
	repo := newFakeMetadataRepo(salesTable())
	orch, _ := newTestOrchestrator(g, repo, &fakeExecutor{})

	outcome, err := orch.Run(context.Background(), "user-1", "Write me a poem", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.QueryTypeUnsupported, outcome.Type)
	assert.Equal(t, 0, repo.ListCalls())
}

func TestQueryOrchestrator_UnparseableClassificationDefaultsToGeneral(t *testing.T) {
	g := &scriptedGateway{classify: func() string { return "I think this is about data?" }}
	orch, _ := newTestOrchestrator(g, newFakeMetadataRepo(), &fakeExecutor{})

	outcome, err := orch.Run(context.Background(), "user-1", "???", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.QueryTypeGeneral, outcome.Type)
	assert.Equal(t, classificationFallbackMessage, outcome.Message)
}

func TestQueryOrchestrator_NoData(t *testing.T) {
	g := &scriptedGateway{classify: dataClassification}
	orch, _ := newTestOrchestrator(g, newFakeMetadataRepo(), &fakeExecutor{})

	_, err := orch.Run(context.Background(), "user-1", "show me sales", RunOptions{})
	assert.ErrorIs(t, err, apperrors.ErrNoData)
	assert.Equal(t, 0, g.count(prompts.SQLGenerationSystem))
}

func TestQueryOrchestrator_UnsupportedGeneration(t *testing.T) {
	g := &scriptedGateway{
		classify: dataClassification,
		generate: func(int, string) string {
			return `{"error": true, "unsupported_reason": "No profit column", "suggestions": ["Ask about amount"]}`
		},
	}
	exec := &fakeExecutor{}
	orch, _ := newTestOrchestrator(g, newFakeMetadataRepo(salesTable()), exec)

	_, err := orch.Run(context.Background(), "user-1", "show me profit", RunOptions{})
	var unsupported *UnsupportedError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "No profit column", unsupported.Reason)
	assert.Equal(t, []string{"Ask about amount"}, unsupported.Suggestions)
	assert.Empty(t, exec.Queries())
	assert.Equal(t, 0, g.count(prompts.AnalysisSystem))
}

func TestQueryOrchestrator_FeedbackThreadedUntilAccepted(t *testing.T) {
	g := &scriptedGateway{
		classify: dataClassification,
		generate: oneQuery,
		analyze:  analysisFor,
		evaluate: func(call int) string {
			switch call {
			case 1:
				return `{"good_result": "No", "reason": "too vague", "required": "Break the totals down by month."}`
			case 2:
				return `{"good_result": "No", "reason": "missing units", "required": "Report amounts in USD with two decimals."}`
			default:
				return `{"good_result": "Yes", "reason": "good", "required": ""}`
			}
		},
	}
	exec := &fakeExecutor{rows: []map[string]any{{"region": "North", "sum": 10}}}
	orch, _ := newTestOrchestrator(g, newFakeMetadataRepo(salesTable()), exec)

	var steps []Step
	outcome, err := orch.Run(context.Background(), "user-1", "sales by region", RunOptions{
		OnStep: func(s Step) { steps = append(steps, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Iterations)
	require.NotNil(t, outcome.Analysis)
	assert.JSONEq(t, `"iteration 3"`, string(outcome.Analysis.Analysis.Summary))
	assert.Len(t, outcome.Attempts, 3)

	require.Len(t, g.genPrompts, 3)
	assert.NotContains(t, g.genPrompts[0], "Feedback from the previous attempt")
	assert.Contains(t, g.genPrompts[1], "Break the totals down by month.")
	assert.Contains(t, g.genPrompts[2], "Report amounts in USD with two decimals.")
	assert.NotContains(t, g.genPrompts[2], "Break the totals down by month.")

	assert.Equal(t, StageClassifying, steps[0].Stage)
	assert.Equal(t, StageEvaluating, steps[len(steps)-1].Stage)
	assert.Equal(t, 3, steps[len(steps)-1].Iteration)
}

func TestQueryOrchestrator_StreamsResultsAndFeedback(t *testing.T) {
	g := &scriptedGateway{
		classify: dataClassification,
		generate: func(int, string) string {
			return `[{"query": "SELECT \"region\" FROM \"table_sales\" GROUP BY 1"}, {"query": "SELECT \"profit\" FROM \"table_sales\" GROUP BY 1"}]`
		},
		analyze: analysisFor,
		evaluate: func(call int) string {
			if call == 1 {
				return `{"good_result": "No", "reason": "too vague", "required": "Break the totals down by month."}`
			}
			return `{"good_result": "Yes", "required": ""}`
		},
	}
	exec := &fakeExecutor{
		rows: []map[string]any{{"region": "North"}, {"region": "South"}},
		fail: func(q string) bool { return strings.Contains(q, "profit") },
	}
	orch, _ := newTestOrchestrator(g, newFakeMetadataRepo(salesTable()), exec)

	var steps []Step
	_, err := orch.Run(context.Background(), "user-1", "sales by region", RunOptions{
		OnStep: func(s Step) { steps = append(steps, s) },
	})
	require.NoError(t, err)

	var results, feedback []Step
	for _, s := range steps {
		switch s.Stage {
		case StageResult:
			results = append(results, s)
		case StageFeedback:
			feedback = append(feedback, s)
		}
	}

	require.Len(t, results, 4)
	assert.Equal(t, Step{Iteration: 1, Stage: StageResult, Message: "Result 1: 2 rows"}, results[0])
	assert.Equal(t, Step{Iteration: 1, Stage: StageResult, Message: "Result 2: query failed"}, results[1])
	assert.Equal(t, 2, results[2].Iteration)

	require.Len(t, feedback, 1, "accepted evaluations send no feedback")
	assert.Equal(t, Step{Iteration: 1, Stage: StageFeedback, Message: "Break the totals down by month."}, feedback[0])
}

func TestQueryOrchestrator_BudgetExhausted(t *testing.T) {
	g := &scriptedGateway{
		classify: dataClassification,
		generate: oneQuery,
		analyze:  analysisFor,
		evaluate: func(int) string {
			return `{"good_result": "No", "reason": "wrong", "required": "try again"}`
		},
	}
	exec := &fakeExecutor{rows: []map[string]any{{"region": "North"}}}
	orch, _ := newTestOrchestrator(g, newFakeMetadataRepo(salesTable()), exec)

	_, err := orch.Run(context.Background(), "user-1", "sales", RunOptions{})
	assert.ErrorIs(t, err, apperrors.ErrBudgetExhausted)
	assert.Equal(t, 3, g.count(prompts.EvaluationSystem))
}

func TestQueryOrchestrator_TerminatesOnUnparseableOutput(t *testing.T) {
	g := &scriptedGateway{
		classify: dataClassification,
		generate: func(int, string) string { return "Here are some ideas for queries..." },
	}
	exec := &fakeExecutor{}
	orch, _ := newTestOrchestrator(g, newFakeMetadataRepo(salesTable()), exec)

	_, err := orch.Run(context.Background(), "user-1", "sales", RunOptions{})
	assert.ErrorIs(t, err, apperrors.ErrBudgetExhausted)
	assert.Equal(t, 3, g.count(prompts.SQLGenerationSystem))
	assert.Empty(t, exec.Queries())
	assert.Equal(t, 0, g.count(prompts.AnalysisSystem))
}

func TestQueryOrchestrator_RejectedQueryIsAudited(t *testing.T) {
	g := &scriptedGateway{
		classify: dataClassification,
		generate: func(call int, prompt string) string {
			if call == 1 {
				return `[{"query": "SELECT * FROM \"table_sales\" WHERE \"region\" = '1 UNION SELECT * FROM passwords'"}]`
			}
			return oneQuery(call, prompt)
		},
		analyze:  analysisFor,
		evaluate: func(int) string { return `{"good_result": "yes"}` },
	}
	exec := &fakeExecutor{rows: []map[string]any{{"region": "North"}}}

	core, recorded := observer.New(zapcore.InfoLevel)
	auditor := audit.NewSecurityAuditor(zap.New(core))
	mock := &llm.MockGateway{CompleteFunc: g.complete}
	orch := NewQueryOrchestrator(mock, newFakeMetadataRepo(salesTable()), exec, fastRetry(), 3, zap.NewNop(),
		WithSecurityAuditor(auditor))

	outcome, err := orch.Run(context.Background(), "user-1", "sales", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Iterations)
	require.Len(t, exec.Queries(), 1, "the rejected query must never reach the executor")

	injections := recorded.FilterMessage("SQL injection attempt detected").All()
	require.Len(t, injections, 1)
	assert.Equal(t, "user-1", injections[0].ContextMap()["user_id"])
	assert.NotEmpty(t, injections[0].ContextMap()["fingerprint"])

	assert.Equal(t, 1, recorded.FilterMessage("Query executed").Len())
}

func TestQueryOrchestrator_ForeignTableNeverExecuted(t *testing.T) {
	g := &scriptedGateway{
		classify: dataClassification,
		generate: func(call int, prompt string) string {
			switch call {
			case 1:
				return `[{"query": "SELECT \"file_path\", \"user_id\" FROM \"csv_queue\""}]`
			case 2:
				return `[{"query": "SELECT * FROM \"table_0123456789abcdef0123456789abcdef\""}]`
			}
			return oneQuery(call, prompt)
		},
		analyze:  analysisFor,
		evaluate: func(int) string { return `{"good_result": "yes"}` },
	}
	exec := &fakeExecutor{rows: []map[string]any{{"region": "North"}}}

	core, recorded := observer.New(zapcore.InfoLevel)
	mock := &llm.MockGateway{CompleteFunc: g.complete}
	orch := NewQueryOrchestrator(mock, newFakeMetadataRepo(salesTable()), exec, fastRetry(), 3, zap.NewNop(),
		WithSecurityAuditor(audit.NewSecurityAuditor(zap.New(core))))

	outcome, err := orch.Run(context.Background(), "user-1", "show me every upload", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Iterations)
	require.Len(t, exec.Queries(), 1)
	assert.Contains(t, exec.Queries()[0], `"table_sales"`)

	rejections := recorded.FilterMessage("Generated query rejected").All()
	require.Len(t, rejections, 2)
	assert.Contains(t, rejections[0].ContextMap()["reason"], "csv_queue")
	assert.Contains(t, rejections[1].ContextMap()["reason"], "table_0123456789abcdef0123456789abcdef")
}

func TestQueryOrchestrator_UnparseableAnalysisConsumesIteration(t *testing.T) {
	g := &scriptedGateway{
		classify: dataClassification,
		generate: oneQuery,
		analyze: func(call int) string {
			if call == 1 {
				return "The data shows growth."
			}
			return analysisFor(call)
		},
		evaluate: func(int) string { return `{"good_result": "yes"}` },
	}
	exec := &fakeExecutor{rows: []map[string]any{{"region": "North"}}}
	orch, _ := newTestOrchestrator(g, newFakeMetadataRepo(salesTable()), exec)

	outcome, err := orch.Run(context.Background(), "user-1", "sales", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Iterations)
}

func TestQueryOrchestrator_Immediate(t *testing.T) {
	g := &scriptedGateway{
		classify: dataClassification,
		generate: oneQuery,
		analyze:  analysisFor,
	}
	exec := &fakeExecutor{rows: []map[string]any{{"region": "North"}}}
	orch, _ := newTestOrchestrator(g, newFakeMetadataRepo(salesTable()), exec)

	outcome, err := orch.Run(context.Background(), "user-1", "sales", RunOptions{Immediate: true})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Equal(t, 0, g.count(prompts.EvaluationSystem))
	assert.Equal(t, []models.GeneratedQuery{{
		Query:       `SELECT "region", SUM("amount"::numeric) FROM "table_sales" GROUP BY "region"`,
		Explanation: "sales by region",
	}}, outcome.Queries)
}

func TestQueryOrchestrator_NoRowsFeedsBack(t *testing.T) {
	g := &scriptedGateway{
		classify: dataClassification,
		generate: oneQuery,
		analyze:  analysisFor,
		evaluate: func(int) string { return `{"good_result": "Yes"}` },
	}
	exec := &fakeExecutor{}
	orch, _ := newTestOrchestrator(g, newFakeMetadataRepo(salesTable()), exec)

	_, err := orch.Run(context.Background(), "user-1", "sales", RunOptions{})
	assert.ErrorIs(t, err, apperrors.ErrBudgetExhausted)
	assert.Equal(t, 0, g.count(prompts.AnalysisSystem))
	require.Len(t, g.genPrompts, 3)
	assert.Contains(t, g.genPrompts[1], noRowsFeedback)
}

func TestQueryOrchestrator_FailedQueryIsolated(t *testing.T) {
	g := &scriptedGateway{
		classify: dataClassification,
		generate: func(int, string) string {
			return `[{"query": "SELECT \"region\" FROM \"table_sales\" GROUP BY 1"}, {"query": "SELECT \"profit\" FROM \"table_sales\" GROUP BY 1"}]`
		},
		analyze:  analysisFor,
		evaluate: func(int) string { return `{"good_result": "Yes"}` },
	}
	exec := &fakeExecutor{
		rows: []map[string]any{{"region": "North"}},
		fail: func(q string) bool { return strings.Contains(q, "profit") },
	}
	orch, _ := newTestOrchestrator(g, newFakeMetadataRepo(salesTable()), exec)

	outcome, err := orch.Run(context.Background(), "user-1", "sales", RunOptions{})
	require.NoError(t, err)
	require.Len(t, outcome.Attempts, 1)
	results := outcome.Attempts[0].Results
	require.Len(t, results, 2)
	assert.False(t, results[0].Failed())
	assert.Equal(t, queryExecutionFailedMessage, results[1].Error)
	assert.Len(t, exec.Queries(), 2)
}

func TestQueryOrchestrator_GatewayFailureIsTerminal(t *testing.T) {
	mock := &llm.MockGateway{CompleteFunc: func(context.Context, string, string) (string, error) {
		return "", llm.NewError(llm.ErrorTypeEndpoint, "connection refused", true, nil)
	}}
	orch := NewQueryOrchestrator(mock, newFakeMetadataRepo(salesTable()), &fakeExecutor{}, fastRetry(), 3, zap.NewNop())

	_, err := orch.Run(context.Background(), "user-1", "sales", RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, mock.CallCount())
}

func TestFlattenMetadata(t *testing.T) {
	text, err := flattenMetadata([]*models.AnalysisMetadata{salesTable()})
	require.NoError(t, err)
	assert.Contains(t, text, "- table_name: table_sales")
	assert.Contains(t, text, "  file_name: sales.csv")
	assert.Contains(t, text, "column_name: amount")
	assert.NotContains(t, text, "user-1")
}

func TestFormatResults(t *testing.T) {
	text := formatResults([]models.QueryResult{
		{Query: "SELECT 1", Rows: []map[string]any{{"n": 1}}},
		{Query: "SELECT x", Error: queryExecutionFailedMessage},
	})
	assert.Equal(t, "Query 1:\nSELECT 1\nResults:\n[{\"n\":1}]\n\nQuery 2:\nSELECT x\nError: Query execution failed", text)
}
