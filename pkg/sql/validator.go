// Package sql provides checks for model-generated SQL.
package sql

import (
	"errors"
	"strings"
)

var (
	// ErrMultipleStatements indicates the query contains multiple SQL statements.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")
	// ErrEmptyStatement indicates the query is blank.
	ErrEmptyStatement = errors.New("empty SQL statement")
)

// ValidationResult contains the normalized SQL and any validation errors.
type ValidationResult struct {
	NormalizedSQL string
	Error         error
}

// ValidateAndNormalize strips the trailing semicolon and rejects blank input or
// anything that still contains a statement separator.
func ValidateAndNormalize(sqlQuery string) ValidationResult {
	normalized := StripTrailingSemicolon(strings.TrimSpace(sqlQuery))
	if normalized == "" {
		return ValidationResult{Error: ErrEmptyStatement}
	}

	if scan(normalized).semicolons > 0 {
		return ValidationResult{Error: ErrMultipleStatements}
	}

	return ValidationResult{NormalizedSQL: normalized}
}

// StringLiterals returns the contents of every single-quoted literal in the query,
// with SQL doubled quotes unescaped.
func StringLiterals(sqlQuery string) []string {
	return scan(sqlQuery).literals
}

type scanResult struct {
	semicolons int
	literals   []string
}

// scan walks the query once, tracking quoted regions. Semicolons are only counted
// outside quotes; dollar quoting is not recognised.
func scan(sqlQuery string) scanResult {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
	)

	var (
		res     scanResult
		literal strings.Builder
		state   = stateNormal
	)

	runes := []rune(sqlQuery)
	for i := 0; i < len(runes); i++ {
		char := runes[i]
		switch state {
		case stateNormal:
			switch char {
			case ';':
				res.semicolons++
			case '\'':
				state = stateSingleQuote
				literal.Reset()
			case '"':
				state = stateDoubleQuote
			}
		case stateSingleQuote:
			switch {
			case char == '\\' && i+1 < len(runes):
				literal.WriteRune(runes[i+1])
				i++
			case char == '\'' && i+1 < len(runes) && runes[i+1] == '\'':
				literal.WriteRune('\'')
				i++
			case char == '\'':
				res.literals = append(res.literals, literal.String())
				state = stateNormal
			default:
				literal.WriteRune(char)
			}
		case stateDoubleQuote:
			if char == '"' {
				state = stateNormal
			}
		}
	}

	return res
}

// StripTrailingSemicolon removes one trailing semicolon and the whitespace around it.
func StripTrailingSemicolon(sqlQuery string) string {
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	if strings.HasSuffix(sqlQuery, ";") {
		sqlQuery = strings.TrimRight(strings.TrimSuffix(sqlQuery, ";"), " \t\n\r")
	}
	return sqlQuery
}
