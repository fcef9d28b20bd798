package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedModelOutput is matched by every MalformedOutputError via errors.Is.
var ErrMalformedModelOutput = errors.New("malformed model output")

// maxRawInError bounds the raw text kept on a MalformedOutputError.
const maxRawInError = 500

// MalformedOutputError is returned when model output cannot be turned into JSON,
// even after repair.
type MalformedOutputError struct {
	Reason string
	Raw    string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed model output: %s", e.Reason)
}

// Is lets errors.Is(err, ErrMalformedModelOutput) match.
func (e *MalformedOutputError) Is(target error) bool {
	return target == ErrMalformedModelOutput
}

// IsRetryable implements retry.RetryableError. Asking again usually yields parseable output.
func (e *MalformedOutputError) IsRetryable() bool {
	return true
}

func newMalformed(reason, raw string) *MalformedOutputError {
	if len(raw) > maxRawInError {
		raw = raw[:maxRawInError]
	}
	return &MalformedOutputError{Reason: reason, Raw: raw}
}

var (
	// thinkTagPattern matches <think>...</think> blocks some models emit before the answer.
	thinkTagPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)
	// fencePattern captures the body of the first markdown code fence.
	fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\r?\n?(.*?)```")
)

// Normalize turns free-form model output into valid JSON. It strips <think> blocks,
// markdown fences and comments, locates the first JSON object or array, and repairs bare
// keys, trailing commas and missing closing brackets. It never returns partial data:
// the result is valid JSON or a *MalformedOutputError.
func Normalize(text string) (json.RawMessage, error) {
	cleaned := stripWrapping(text)
	if cleaned == "" {
		return nil, newMalformed("empty response", text)
	}

	if jsonStr, ok := extractJSON(cleaned); ok {
		return json.RawMessage(jsonStr), nil
	}

	start := strings.IndexAny(cleaned, "{[")
	if start < 0 {
		return nil, newMalformed("no JSON object or array found", text)
	}

	candidate := cleaned[start:]
	if balanced, ok := extractBalancedJSON(candidate, candidate[0], closerFor(candidate[0])); ok {
		candidate = balanced
	}

	repaired := repairJSON(candidate)
	if !json.Valid([]byte(repaired)) {
		return nil, newMalformed("invalid JSON after repair", text)
	}
	return json.RawMessage(repaired), nil
}

// Decode normalizes text and unmarshals it into T. Shape mismatches are reported as
// malformed output too.
func Decode[T any](text string) (T, error) {
	var result T

	raw, err := Normalize(text)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return result, newMalformed(fmt.Sprintf("unexpected shape: %v", err), text)
	}
	return result, nil
}

// stripWrapping removes think blocks, code fences and comments.
func stripWrapping(text string) string {
	cleaned := thinkTagPattern.ReplaceAllString(text, "")

	if m := fencePattern.FindStringSubmatch(cleaned); m != nil {
		cleaned = m[1]
	} else if idx := strings.Index(cleaned, "```"); idx >= 0 {
		// Unterminated fence: drop the opening marker and its language tag.
		rest := cleaned[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
			rest = rest[nl+1:]
		}
		cleaned = rest
	}

	return strings.TrimSpace(stripComments(cleaned))
}

// extractJSON returns the outermost leading object or array if it is already valid JSON.
// Only the structure that opens first is considered: an array nested in a broken object
// is never returned in its place.
func extractJSON(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	open := s[start]
	if jsonStr, ok := extractBalancedJSON(s[start:], open, closerFor(open)); ok && json.Valid([]byte(jsonStr)) {
		return jsonStr, true
	}
	return "", false
}

// extractBalancedJSON finds the first balanced structure starting with openChar.
// It handles nested structures by counting bracket depth outside string literals.
func extractBalancedJSON(s string, openChar, closeChar byte) (string, bool) {
	start := strings.IndexByte(s, openChar)
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if c == openChar {
			depth++
		} else if c == closeChar {
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	return "", false
}

// stripComments removes // line comments and /* */ block comments outside strings.
func stripComments(s string) string {
	var out []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '/' {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				out = append(out, '\n')
			}
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '*' {
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				break
			}
			i += end + 3
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// repairJSON quotes bare object keys, drops trailing commas, terminates an unterminated
// string and appends missing closing brackets in nesting order.
func repairJSON(s string) string {
	out := make([]byte, 0, len(s)+8)
	var stack []byte
	inString := false
	escaped := false
	expectKey := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			expectKey = false
			out = append(out, c)
		case c == '{' || c == '[':
			stack = append(stack, c)
			expectKey = c == '{'
			out = append(out, c)
		case c == '}' || c == ']':
			out = trimTrailingComma(out)
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			expectKey = false
			out = append(out, c)
		case c == ',':
			out = append(out, c)
			expectKey = len(stack) > 0 && stack[len(stack)-1] == '{'
		case expectKey && isIdentStart(c):
			j := i
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			k := j
			for k < len(s) && isSpace(s[k]) {
				k++
			}
			if k < len(s) && s[k] == ':' {
				out = append(out, '"')
				out = append(out, s[i:j]...)
				out = append(out, '"')
			} else {
				out = append(out, s[i:j]...)
			}
			i = j - 1
			expectKey = false
		default:
			if !isSpace(c) {
				expectKey = false
			}
			out = append(out, c)
		}
	}

	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		out = append(out, '"')
	}
	out = trimTrailingComma(out)
	for n := len(stack) - 1; n >= 0; n-- {
		out = append(out, closerFor(stack[n]))
	}
	return string(out)
}

func trimTrailingComma(b []byte) []byte {
	end := len(b)
	for end > 0 && isSpace(b[end-1]) {
		end--
	}
	if end > 0 && b[end-1] == ',' {
		return b[:end-1]
	}
	return b
}

func closerFor(open byte) byte {
	if open == '[' {
		return ']'
	}
	return '}'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
