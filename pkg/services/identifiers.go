package services

import (
	"fmt"
	"strings"
)

// maxIdentifierLength is PostgreSQL's NAMEDATALEN - 1.
const maxIdentifierLength = 63

// SanitizeIdentifier lowercases name and keeps only ASCII letters, digits and
// underscores. Runs of other characters become a single underscore. Returns "" when
// nothing usable is left.
func SanitizeIdentifier(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}

	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "col_" + out
	}
	if len(out) > maxIdentifierLength {
		out = strings.TrimRight(out[:maxIdentifierLength], "_")
	}
	return out
}

// uniqueColumnNames sanitizes names and resolves collisions with numeric suffixes
// (name, name_2, name_3). The base is shortened so a suffixed name still fits in 63
// characters and survives SanitizeIdentifier unchanged. Unusable names become
// column_<position>.
func uniqueColumnNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, len(names))
	for i, name := range names {
		base := SanitizeIdentifier(name)
		if base == "" || base == "null" {
			base = fmt.Sprintf("column_%d", i+1)
		}
		candidate := base
		for n := 2; seen[candidate]; n++ {
			suffix := fmt.Sprintf("_%d", n)
			trimmed := base
			if len(trimmed)+len(suffix) > maxIdentifierLength {
				trimmed = strings.TrimRight(trimmed[:maxIdentifierLength-len(suffix)], "_")
			}
			candidate = trimmed + suffix
		}
		seen[candidate] = true
		out[i] = candidate
	}
	return out
}
