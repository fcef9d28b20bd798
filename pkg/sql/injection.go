package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a string literal that libinjection flagged.
type InjectionCheckResult struct {
	Literal     string // The literal content that was checked
	Fingerprint string // libinjection fingerprint of the detected pattern
}

// CheckLiteral runs libinjection on one value. Returns nil if it looks clean.
func CheckLiteral(value string) *InjectionCheckResult {
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		Literal:     value,
		Fingerprint: string(fingerprint),
	}
}

// CheckQueryLiterals checks every string literal of a generated query. A query built
// from a hostile question can smuggle a payload through a filter value, so a flagged
// literal disqualifies the query.
//
// Example:
//
//	CheckQueryLiterals(`SELECT * FROM "t" WHERE "region" = 'North'`)
//	// nil
//
//	CheckQueryLiterals(`SELECT * FROM "t" WHERE "name" = 'x'' OR 1=1 --'`)
//	// one result, fingerprint "s&1c" or similar
func CheckQueryLiterals(sqlQuery string) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for _, lit := range StringLiterals(sqlQuery) {
		if r := CheckLiteral(lit); r != nil {
			results = append(results, r)
		}
	}
	return results
}
