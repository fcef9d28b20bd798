package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/urekai/urekai-engine/pkg/apperrors"
)

// PostgreSQL error codes raised by COPY when a value does not fit its column.
const (
	pgNumericOutOfRange     = "22003"
	pgStringTooLong         = "22001"
	pgInvalidTextRepr       = "22P02"
	pgInvalidDatetimeFormat = "22007"
	pgDatetimeFieldOverflow = "22008"
	pgInvalidBinaryRepr     = "22P03"
	pgInvalidParameterValue = "22023"
	pgInvalidCharacterValue = "22018"
	pgIntervalFieldOverflow = "22015"
	pgStringDataRightTrunc  = "01004"
)

var (
	// copyColumnPattern finds the column in a COPY error context, e.g.
	// `COPY table_ab12, line 3, column age: "notanumber"`.
	copyColumnPattern = regexp.MustCompile(`column ([A-Za-z0-9_]+)`)
	// messageColumnPattern finds a quoted column name in the error message.
	messageColumnPattern = regexp.MustCompile(`column "([A-Za-z0-9_]+)"`)
	// varcharPattern matches bounded character types.
	varcharPattern = regexp.MustCompile(`^(character varying|varchar|character|char)\s*\(\d+\)$`)
	// numericPattern matches numeric with precision and optional scale.
	numericPattern = regexp.MustCompile(`^numeric\(\d+(,\s?\d+)?\)$`)
)

// Widening is one column type change applied before a load is retried.
type Widening struct {
	Column string
	From   string
	To     string
}

// WideningError reports a load failure that type widening cannot recover from.
type WideningError struct {
	Column string
	Type   string
	Err    error
}

func (e *WideningError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("cannot widen column type: %v", e.Err)
	}
	return fmt.Sprintf("cannot widen column %q to %s: %v", e.Column, e.Type, e.Err)
}

func (e *WideningError) Unwrap() error {
	return e.Err
}

// WideningPlan tracks column types across the attempts of one load. Each failed COPY
// moves one column one rung up its ladder; asking for the same (column, type)
// twice ends the load.
type WideningPlan struct {
	types     map[string]string
	attempted map[string]string
}

// NewWideningPlan starts a plan from the physical column types of a table.
func NewWideningPlan(columnTypes map[string]string) *WideningPlan {
	types := make(map[string]string, len(columnTypes))
	for col, t := range columnTypes {
		types[col] = normalizeType(t)
	}
	return &WideningPlan{
		types:     types,
		attempted: make(map[string]string),
	}
}

// Next picks the widening that should fix a failed COPY. The plan records the new
// type as current.
func (p *WideningPlan) Next(pgErr *pgconn.PgError) (*Widening, error) {
	column := failedColumn(pgErr)
	if column == "" {
		return nil, &WideningError{Err: pgErr}
	}

	current, ok := p.types[column]
	if !ok {
		return nil, &WideningError{Column: column, Err: fmt.Errorf("unknown column: %w", pgErr)}
	}

	target, ok := widenType(current, pgErr.Code)
	if !ok {
		return nil, &WideningError{Column: column, Type: current, Err: pgErr}
	}

	if p.attempted[column] == target {
		return nil, &WideningError{Column: column, Type: target, Err: apperrors.ErrWideningRepeated}
	}

	p.attempted[column] = target
	p.types[column] = target
	return &Widening{Column: column, From: current, To: target}, nil
}

// Attempted returns the last widening requested per column.
func (p *WideningPlan) Attempted() map[string]string {
	out := make(map[string]string, len(p.attempted))
	for k, v := range p.attempted {
		out[k] = v
	}
	return out
}

func failedColumn(pgErr *pgconn.PgError) string {
	if pgErr == nil {
		return ""
	}
	if m := copyColumnPattern.FindStringSubmatch(pgErr.Where); m != nil {
		return m[1]
	}
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if m := messageColumnPattern.FindStringSubmatch(pgErr.Message); m != nil {
		return m[1]
	}
	return ""
}

// widenType returns the next looser type for a column that failed with code.
func widenType(current, code string) (string, bool) {
	if current == "text" {
		return "", false
	}

	switch code {
	case pgNumericOutOfRange:
		switch current {
		case "smallint":
			return "integer", true
		case "integer":
			return "bigint", true
		case "bigint":
			return "numeric", true
		case "real":
			return "double precision", true
		case "numeric":
			return "text", true
		}
		if strings.HasPrefix(current, "numeric(") {
			return "numeric", true
		}
		return "text", true
	case pgStringTooLong, pgStringDataRightTrunc:
		return "text", true
	case pgInvalidTextRepr, pgInvalidDatetimeFormat, pgDatetimeFieldOverflow,
		pgInvalidBinaryRepr, pgInvalidParameterValue, pgInvalidCharacterValue, pgIntervalFieldOverflow:
		return "text", true
	default:
		return "", false
	}
}

var typeAliases = map[string]string{
	"int":                         "integer",
	"int4":                        "integer",
	"int2":                        "smallint",
	"int8":                        "bigint",
	"float4":                      "real",
	"float8":                      "double precision",
	"float":                       "double precision",
	"double":                      "double precision",
	"decimal":                     "numeric",
	"bool":                        "boolean",
	"timestamp without time zone": "timestamp",
	"timestamp with time zone":    "timestamptz",
	"time without time zone":      "time",
	"string":                      "text",
}

// normalizeType lowercases a type name and resolves common aliases.
func normalizeType(t string) string {
	t = strings.Join(strings.Fields(strings.ToLower(t)), " ")
	if alias, ok := typeAliases[t]; ok {
		return alias
	}
	if strings.HasPrefix(t, "decimal(") {
		return "numeric" + strings.TrimPrefix(t, "decimal")
	}
	return t
}

// allowedColumnType reports whether an inferred type may be used for a physical
// column. Anything else is stored as text.
func allowedColumnType(t string) bool {
	switch t {
	case "text", "smallint", "integer", "bigint", "numeric", "real", "double precision",
		"boolean", "date", "time", "timestamp", "timestamptz", "interval":
		return true
	}
	if varcharPattern.MatchString(t) {
		return true
	}
	return numericPattern.MatchString(t)
}
