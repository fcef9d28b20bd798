package sql

import (
	"strings"
	"unicode"
)

// References is what a query reads.
type References struct {
	// Leading is the first keyword of the statement, lowercased.
	Leading string
	// Relations are the names in FROM, JOIN and TABLE positions. Unquoted names are
	// lowercased; a schema qualifier is kept as "schema.name".
	Relations []string
	// CTEs are the names bound by the query's own WITH clauses.
	CTEs []string
	// Functions are calls to functions that can read outside the named relations.
	Functions []string
}

// ExtractReferences lists the relations and restricted functions a query touches.
// Function calls and subqueries inside FROM are recorded as relations under the
// function name, so a caller comparing against an allow list rejects them.
func ExtractReferences(sqlQuery string) References {
	tokens := tokenize(sqlQuery)

	var refs References
	for _, tok := range tokens {
		if tok.kind == tokenWord {
			refs.Leading = strings.ToLower(tok.text)
			break
		}
		if tok.kind != tokenPunct || tok.text != "(" {
			break
		}
	}

	// Each parenthesis opens a frame. FROM only introduces relations in a frame that
	// has a SELECT, which skips EXTRACT(... FROM ...) and friends.
	type frame struct {
		sawSelect bool
		inFrom    bool
	}
	stack := []*frame{{}}
	expect := false

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		cur := stack[len(stack)-1]

		switch tok.kind {
		case tokenPunct:
			switch tok.text {
			case "(":
				stack = append(stack, &frame{})
			case ")":
				if len(stack) > 1 {
					stack = stack[:len(stack)-1]
				}
			case ",":
				if cur.inFrom {
					expect = true
					continue
				}
			}
			expect = false
			continue
		case tokenString:
			expect = false
			continue
		}

		if isWord(tokens, i+1, "as") && (isPunct(tokens, i+2, "(") || isWord(tokens, i+2, "materialized") || isWord(tokens, i+2, "not")) {
			refs.CTEs = append(refs.CTEs, identName(tok))
		}

		if tok.kind == tokenWord {
			lower := strings.ToLower(tok.text)
			if isPunct(tokens, i+1, "(") && isRestrictedFunction(lower) {
				refs.Functions = append(refs.Functions, lower)
			}

			switch lower {
			case "select":
				cur.sawSelect = true
				cur.inFrom = false
				expect = false
				continue
			case "from":
				if cur.sawSelect && !isWord(tokens, i-1, "distinct") {
					cur.inFrom = true
					expect = true
				}
				continue
			case "join", "table":
				expect = true
				continue
			case "lateral", "only":
				if expect {
					continue
				}
			case "where", "group", "order", "limit", "having", "union", "except",
				"intersect", "window", "offset", "fetch", "for", "into", "returning":
				cur.inFrom = false
				expect = false
				continue
			}
		}

		if !expect {
			continue
		}
		name, next := qualifiedName(tokens, i)
		refs.Relations = append(refs.Relations, name)
		i = next - 1
		expect = false
	}

	return refs
}

func qualifiedName(tokens []token, i int) (string, int) {
	parts := []string{identName(tokens[i])}
	j := i + 1
	for j+1 < len(tokens) && isPunct(tokens, j, ".") && isIdent(tokens[j+1]) {
		parts = append(parts, identName(tokens[j+1]))
		j += 2
	}
	return strings.Join(parts, "."), j
}

func identName(tok token) string {
	if tok.kind == tokenWord {
		return strings.ToLower(tok.text)
	}
	return tok.text
}

func isIdent(tok token) bool {
	return tok.kind == tokenWord || tok.kind == tokenQuoted
}

func isPunct(tokens []token, i int, text string) bool {
	return i >= 0 && i < len(tokens) && tokens[i].kind == tokenPunct && tokens[i].text == text
}

func isWord(tokens []token, i int, lower string) bool {
	return i >= 0 && i < len(tokens) && tokens[i].kind == tokenWord && strings.EqualFold(tokens[i].text, lower)
}

// isRestrictedFunction matches server functions that read files, settings, large
// objects or arbitrary relations named by a string argument.
func isRestrictedFunction(name string) bool {
	switch {
	case strings.HasPrefix(name, "pg_"),
		strings.HasPrefix(name, "lo_"),
		strings.HasPrefix(name, "dblink"),
		strings.Contains(name, "_to_xml"):
		return true
	}
	switch name {
	case "current_setting", "set_config", "query_to_json", "table_to_json":
		return true
	}
	return false
}

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenQuoted
	tokenString
	tokenPunct
)

type token struct {
	kind tokenKind
	text string
}

// tokenize splits a query into words, quoted identifiers, string literals and single
// punctuation runes, dropping whitespace and comments. Backslash escapes only apply
// inside E'' strings, and dollar-quoted bodies are read as strings.
func tokenize(sqlQuery string) []token {
	runes := []rune(sqlQuery)
	var tokens []token

	for i := 0; i < len(runes); {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i = skipBlockComment(runes, i)
		case c == '\'':
			text, next := readString(runes, i+1, false)
			tokens = append(tokens, token{kind: tokenString, text: text})
			i = next
		case c == '"':
			text, next := readQuotedIdent(runes, i+1)
			tokens = append(tokens, token{kind: tokenQuoted, text: text})
			i = next
		case c == '$':
			if tagEnd, ok := dollarTag(runes, i); ok {
				tag := string(runes[i:tagEnd])
				rest := string(runes[tagEnd:])
				body, _, found := strings.Cut(rest, tag)
				tokens = append(tokens, token{kind: tokenString, text: body})
				if !found {
					i = len(runes)
				} else {
					i = tagEnd + len([]rune(body)) + len([]rune(tag))
				}
				continue
			}
			tokens = append(tokens, token{kind: tokenPunct, text: "$"})
			i++
		case isWordRune(c):
			j := i
			for j < len(runes) && (isWordRune(runes[j]) || runes[j] == '$') {
				j++
			}
			word := string(runes[i:j])
			if (word == "e" || word == "E") && j < len(runes) && runes[j] == '\'' {
				text, next := readString(runes, j+1, true)
				tokens = append(tokens, token{kind: tokenString, text: text})
				i = next
				continue
			}
			tokens = append(tokens, token{kind: tokenWord, text: word})
			i = j
		default:
			tokens = append(tokens, token{kind: tokenPunct, text: string(c)})
			i++
		}
	}

	return tokens
}

func isWordRune(c rune) bool {
	return c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c)
}

// skipBlockComment returns the index after the comment starting at i. Block comments nest.
func skipBlockComment(runes []rune, i int) int {
	depth := 0
	for i < len(runes) {
		switch {
		case runes[i] == '/' && i+1 < len(runes) && runes[i+1] == '*':
			depth++
			i += 2
		case runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '/':
			depth--
			i += 2
			if depth == 0 {
				return i
			}
		default:
			i++
		}
	}
	return i
}

func readString(runes []rune, i int, escapes bool) (string, int) {
	var b strings.Builder
	for i < len(runes) {
		c := runes[i]
		switch {
		case escapes && c == '\\' && i+1 < len(runes):
			b.WriteRune(runes[i+1])
			i += 2
		case c == '\'' && i+1 < len(runes) && runes[i+1] == '\'':
			b.WriteRune('\'')
			i += 2
		case c == '\'':
			return b.String(), i + 1
		default:
			b.WriteRune(c)
			i++
		}
	}
	return b.String(), i
}

func readQuotedIdent(runes []rune, i int) (string, int) {
	var b strings.Builder
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == '"' && i+1 < len(runes) && runes[i+1] == '"':
			b.WriteRune('"')
			i += 2
		case c == '"':
			return b.String(), i + 1
		default:
			b.WriteRune(c)
			i++
		}
	}
	return b.String(), i
}

// dollarTag reports the end of a $tag$ opener at i. $1 style parameters are not tags.
func dollarTag(runes []rune, i int) (int, bool) {
	j := i + 1
	if j < len(runes) && unicode.IsDigit(runes[j]) {
		return 0, false
	}
	for j < len(runes) && (runes[j] == '_' || unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j])) {
		j++
	}
	if j < len(runes) && runes[j] == '$' {
		return j + 1, true
	}
	return 0, false
}
