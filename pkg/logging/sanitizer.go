package logging

import (
	"regexp"
)

const (
	// MaxQueryLogLength is the maximum length of generated SQL written to logs
	MaxQueryLogLength = 100
	// MaxExcerptLength bounds model output excerpts written to logs
	MaxExcerptLength = 300
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordRule = redaction{regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`), "${1}=" + RedactedText}
	// user:pass@host in URLs
	userinfoRule = redaction{regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`), "://" + RedactedText + "@" + RedactedText}
	bearerRule   = redaction{regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`), "Bearer " + RedactedText}
	apiKeyRule   = redaction{regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{20,}`), "${1}=" + RedactedText}
	// sk-... style provider keys echoed back in gateway errors
	providerKeyRule = redaction{regexp.MustCompile(`\bsk-[A-Za-z0-9-_]{16,}`), RedactedText}
)

func apply(s string, rules ...redaction) string {
	for _, r := range rules {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// SanitizeConnectionString removes credentials from a DSN before it is logged.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	return apply(connStr, passwordRule, userinfoRule)
}

// SanitizeError removes credentials and tokens from database and gateway errors.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return apply(err.Error(), passwordRule, bearerRule, apiKeyRule, providerKeyRule, userinfoRule)
}

// SanitizeQuery truncates generated SQL for logging.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	return apply(TruncateString(query, MaxQueryLogLength), passwordRule, apiKeyRule)
}

// Excerpt truncates model output for logging.
func Excerpt(text string) string {
	return TruncateString(text, MaxExcerptLength)
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
