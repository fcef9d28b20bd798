package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/urekai/urekai-engine/pkg/jsonutil"
	"github.com/urekai/urekai-engine/pkg/llm"
	"github.com/urekai/urekai-engine/pkg/models"
	sqlcheck "github.com/urekai/urekai-engine/pkg/sql"
)

// DefaultRowLimit is appended to generated queries that neither limit nor aggregate.
const DefaultRowLimit = 100

var (
	// ErrNoQueries means the model response held no usable query.
	ErrNoQueries = errors.New("no queries in model response")
	// ErrNotSelect means a generated query has no SELECT.
	ErrNotSelect = errors.New("invalid SQL query: missing SELECT statement")
	// ErrSuspiciousLiteral means a string literal in a generated query looks like SQL injection.
	ErrSuspiciousLiteral = errors.New("generated query contains a suspicious string literal")
	// ErrForeignRelation means a generated query reads a relation that is not one of the user's tables.
	ErrForeignRelation = errors.New("generated query reads a relation outside the user's tables")
	// ErrRestrictedFunction means a generated query calls a server function that can read
	// files, settings or relations by name.
	ErrRestrictedFunction = errors.New("generated query calls a restricted function")
)

// UnsupportedError is the terminal outcome when the question refers to columns or
// concepts that none of the user's tables have.
type UnsupportedError struct {
	Reason      string
	Suggestions []string
}

func (e *UnsupportedError) Error() string {
	return "unsupported query: " + e.Reason
}

// RejectedQueryError is returned for a generated query that did not pass GuardQuery.
// Fingerprint is set when a string literal was flagged by libinjection.
type RejectedQueryError struct {
	Query       string
	Fingerprint string
	Err         error
}

func (e *RejectedQueryError) Error() string {
	if e.Fingerprint != "" {
		return fmt.Sprintf("%v (fingerprint %s)", e.Err, e.Fingerprint)
	}
	return e.Err.Error()
}

func (e *RejectedQueryError) Unwrap() error {
	return e.Err
}

// ParseGeneratedQueries parses the SQL generation response. The response is either a
// list of {query, explanation} items (a trailing {user_message} item is allowed) or an
// {error: true, unsupported_reason, suggestions} object, returned as *UnsupportedError.
// Every query is passed through GuardQuery; one invalid query rejects the response.
func ParseGeneratedQueries(text string) ([]models.GeneratedQuery, error) {
	raw, err := llm.Normalize(text)
	if err != nil {
		return nil, err
	}

	var items []map[string]json.RawMessage
	switch firstByte(raw) {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, &llm.MalformedOutputError{Reason: err.Error(), Raw: string(raw)}
		}
		if flag, ok := obj["error"]; ok && jsonutil.YesNo(jsonutil.FlexibleStringValue(flag)) == "YES" {
			var u models.UnsupportedQuery
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, &llm.MalformedOutputError{Reason: err.Error(), Raw: string(raw)}
			}
			return nil, &UnsupportedError{Reason: u.Reason, Suggestions: u.Suggestions}
		}
		if nested, ok := obj["queries"]; ok {
			if err := json.Unmarshal(nested, &items); err != nil {
				return nil, &llm.MalformedOutputError{Reason: err.Error(), Raw: string(raw)}
			}
		} else {
			items = []map[string]json.RawMessage{obj}
		}
	case '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, &llm.MalformedOutputError{Reason: err.Error(), Raw: string(raw)}
		}
	default:
		return nil, &llm.MalformedOutputError{Reason: "expected a JSON list of queries", Raw: string(raw)}
	}

	var queries []models.GeneratedQuery
	for i, item := range items {
		rawQuery, ok := item["query"]
		if !ok {
			continue
		}
		query := strings.TrimSpace(jsonutil.FlexibleStringValue(rawQuery))
		if query == "" {
			continue
		}
		guarded, err := GuardQuery(query)
		if err != nil {
			return nil, fmt.Errorf("query %d: %w", i+1, err)
		}
		queries = append(queries, models.GeneratedQuery{
			Query:       guarded,
			Explanation: jsonutil.FlexibleStringValue(item["explanation"]),
		})
	}

	if len(queries) == 0 {
		return nil, ErrNoQueries
	}
	return queries, nil
}

// GuardQuery validates one generated query and applies the defensive rewrites. The
// rewrites are plain substring heuristics on the lowercased original text:
//
//   - neither "limit" nor "group by" present: append LIMIT 100
//   - both "where" and "id" present: append OR 1=0 to the filter
//
// The filter guard goes at the end of the text the model wrote, before any appended
// LIMIT. When the model already wrote LIMIT, ORDER BY or GROUP BY it lands after that
// clause ("LIMIT 5 OR 1=0"), which is a syntax error or a changed sort key; the query
// then fails in the executor like any other bad query. Both checks can match inside
// unrelated identifiers ("valid", "limit_date").
func GuardQuery(query string) (string, error) {
	lower := strings.ToLower(query)
	if !strings.Contains(lower, "select") {
		return "", &RejectedQueryError{Query: query, Err: ErrNotSelect}
	}

	v := sqlcheck.ValidateAndNormalize(query)
	if v.Error != nil {
		return "", &RejectedQueryError{Query: query, Err: v.Error}
	}
	if hits := sqlcheck.CheckQueryLiterals(v.NormalizedSQL); len(hits) > 0 {
		return "", &RejectedQueryError{Query: query, Fingerprint: hits[0].Fingerprint, Err: ErrSuspiciousLiteral}
	}

	guarded := v.NormalizedSQL
	if strings.Contains(lower, "where") && strings.Contains(lower, "id") {
		guarded += " OR 1=0"
	}
	if !strings.Contains(lower, "limit") && !strings.Contains(lower, "group by") {
		guarded += fmt.Sprintf(" LIMIT %d", DefaultRowLimit)
	}
	return guarded, nil
}

// ScopeQuery rejects a query unless every relation it reads is one of tables or a name
// bound by its own WITH clause. Tables are allowed bare or qualified with public.
func ScopeQuery(query string, tables map[string]bool) error {
	refs := sqlcheck.ExtractReferences(query)
	if refs.Leading != "select" && refs.Leading != "with" {
		return &RejectedQueryError{Query: query, Err: ErrNotSelect}
	}
	if len(refs.Functions) > 0 {
		return &RejectedQueryError{Query: query, Err: fmt.Errorf("%w: %s", ErrRestrictedFunction, refs.Functions[0])}
	}

	ctes := make(map[string]bool, len(refs.CTEs))
	for _, name := range refs.CTEs {
		ctes[name] = true
	}
	for _, rel := range refs.Relations {
		if ctes[rel] {
			continue
		}
		if tables[strings.TrimPrefix(rel, "public.")] {
			continue
		}
		return &RejectedQueryError{Query: query, Err: fmt.Errorf("%w: %s", ErrForeignRelation, rel)}
	}
	return nil
}

func firstByte(raw json.RawMessage) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
