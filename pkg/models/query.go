package models

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/urekai/urekai-engine/pkg/jsonutil"
)

// QueryType is the classifier's intent category for a user question.
type QueryType string

const (
	QueryTypeGeneral      QueryType = "general"
	QueryTypeDataText     QueryType = "data_query_text"
	QueryTypeDataChart    QueryType = "data_query_chart"
	QueryTypeDataCombined QueryType = "data_query_combined"
	QueryTypeUnsupported  QueryType = "unsupported"
)

// IsTerminal reports whether the type is answered directly without touching data.
func (t QueryType) IsTerminal() bool {
	return t == QueryTypeGeneral || t == QueryTypeUnsupported
}

// Classification is the parsed classifier response.
type Classification struct {
	Type        QueryType `json:"type"`
	Message     string    `json:"message"`
	UserMessage string    `json:"user_message,omitempty"`
}

// GeneratedQuery is one SQL statement proposed by the model.
type GeneratedQuery struct {
	Query       string `json:"query"`
	Explanation string `json:"explanation,omitempty"`
}

// UnsupportedQuery is the model's refusal when the question references data that
// does not exist in any uploaded table.
type UnsupportedQuery struct {
	Reason      string   `json:"unsupported_reason"`
	Suggestions []string `json:"suggestions"`
}

// QueryResult is the outcome of executing one generated query.
// Error is set instead of Rows when execution failed.
type QueryResult struct {
	Query string           `json:"query"`
	Rows  []map[string]any `json:"results"`
	Error string           `json:"error,omitempty"`
}

// Failed reports whether the query did not execute.
func (r QueryResult) Failed() bool {
	return r.Error != ""
}

// AnalysisSections holds the optional narrative sections of an analysis. The model
// returns either strings or lists for these, so they are kept as raw JSON.
type AnalysisSections struct {
	Summary         json.RawMessage `json:"summary,omitempty"`
	KeyInsights     json.RawMessage `json:"key_insights,omitempty"`
	TrendsAnomalies json.RawMessage `json:"trends_anomalies,omitempty"`
	Recommendations json.RawMessage `json:"recommendations,omitempty"`
	BusinessImpact  json.RawMessage `json:"business_impact,omitempty"`
}

// GraphType is a suggested chart kind.
type GraphType string

const (
	GraphTypeBar     GraphType = "bar"
	GraphTypeLine    GraphType = "line"
	GraphTypePie     GraphType = "pie"
	GraphTypeScatter GraphType = "scatter"
)

const (
	GraphCategoryPrimary   = "primary"
	GraphCategorySecondary = "secondary"

	// MaxGraphs bounds the chart suggestions kept from one analysis.
	MaxGraphs = 4
)

// GraphData is the plotted series.
type GraphData struct {
	Labels []any `json:"labels"`
	Values []any `json:"values"`
}

// GraphSpec is one suggested chart.
type GraphSpec struct {
	GraphType     GraphType `json:"graph_type"`
	GraphCategory string    `json:"graph_category"`
	GraphData     GraphData `json:"graph_data"`
}

// Analysis is the structured answer shown to the user.
type Analysis struct {
	Analysis  *AnalysisSections           `json:"analysis,omitempty"`
	TableData map[string][]map[string]any `json:"table_data,omitempty"`
	GraphData map[string]GraphSpec        `json:"graph_data,omitempty"`
}

// NormalizeGraphs keeps at most MaxGraphs charts and at most one primary. Charts are
// considered in name order so the result is deterministic.
func (a *Analysis) NormalizeGraphs() {
	if len(a.GraphData) == 0 {
		return
	}

	names := make([]string, 0, len(a.GraphData))
	for name := range a.GraphData {
		names = append(names, name)
	}
	sort.Strings(names)

	// Primary charts win the limited slots.
	sort.SliceStable(names, func(i, j int) bool {
		return a.GraphData[names[i]].GraphCategory == GraphCategoryPrimary &&
			a.GraphData[names[j]].GraphCategory != GraphCategoryPrimary
	})

	kept := make(map[string]GraphSpec, MaxGraphs)
	havePrimary := false
	for _, name := range names {
		if len(kept) == MaxGraphs {
			break
		}
		g := a.GraphData[name]
		g.GraphType = GraphType(strings.ToLower(string(g.GraphType)))
		if g.GraphCategory == GraphCategoryPrimary && !havePrimary {
			havePrimary = true
		} else {
			g.GraphCategory = GraphCategorySecondary
		}
		kept[name] = g
	}
	a.GraphData = kept
}

// Evaluation is the evaluator's verdict on an analysis.
type Evaluation struct {
	GoodResult jsonutil.FlexibleString `json:"good_result"`
	Reason     string                  `json:"reason"`
	Required   string                  `json:"required"`
}

// Accepted reports whether the evaluator approved the analysis.
func (e *Evaluation) Accepted() bool {
	return e != nil && jsonutil.YesNo(e.GoodResult.String()) == "YES"
}

// QueryAttempt records one generate/execute/analyze/evaluate iteration.
type QueryAttempt struct {
	Iteration        int              `json:"iteration"`
	Classification   Classification   `json:"classification"`
	GeneratedQueries []GeneratedQuery `json:"generated_queries,omitempty"`
	Results          []QueryResult    `json:"execution_results,omitempty"`
	Analysis         *Analysis        `json:"analysis,omitempty"`
	Evaluation       *Evaluation      `json:"evaluation,omitempty"`
}
