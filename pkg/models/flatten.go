package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindScalar ValueKind = iota
	KindList
	KindMapping
)

// Field is one key of a mapping. Mappings keep their source key order.
type Field struct {
	Key   string
	Value Value
}

// Value is a JSON document as a tagged union of scalar, list and ordered mapping.
type Value struct {
	Kind   ValueKind
	Scalar string
	Items  []Value
	Fields []Field
}

// Scalar builds a scalar Value.
func Scalar(s string) Value {
	return Value{Kind: KindScalar, Scalar: s}
}

// IsComposite reports whether v is a list or mapping.
func (v Value) IsComposite() bool {
	return v.Kind == KindList || v.Kind == KindMapping
}

// ParseValue decodes JSON into a Value, preserving object key order.
func ParseValue(raw json.RawMessage) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

// ValueOf converts any JSON-marshalable value. Struct fields keep declaration order.
func ValueOf(x any) (Value, error) {
	raw, err := json.Marshal(x)
	if err != nil {
		return Value{}, fmt.Errorf("marshal value: %w", err)
	}
	return ParseValue(raw)
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			v := Value{Kind: KindMapping}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("expected object key, got %v", keyTok)
				}
				child, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				v.Fields = append(v.Fields, Field{Key: key, Value: child})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return v, nil
		case '[':
			v := Value{Kind: KindList}
			for dec.More() {
				child, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				v.Items = append(v.Items, child)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return v, nil
		default:
			return Value{}, fmt.Errorf("unexpected delimiter %q", t)
		}
	case string:
		return Scalar(t), nil
	case json.Number:
		return Scalar(t.String()), nil
	case bool:
		if t {
			return Scalar("true"), nil
		}
		return Scalar("false"), nil
	case nil:
		return Scalar("null"), nil
	default:
		return Value{}, fmt.Errorf("unexpected token %v", tok)
	}
}

// Flatten renders v as indented "key: value" text for inclusion in prompts. Each
// nesting level adds two spaces; list items are prefixed with "- ".
func Flatten(v Value, indent int) string {
	var b strings.Builder
	writeFlattened(&b, v, indent)
	return strings.TrimRight(b.String(), "\n")
}

func writeFlattened(b *strings.Builder, v Value, indent int) {
	pad := strings.Repeat("  ", indent)

	switch v.Kind {
	case KindMapping:
		for _, f := range v.Fields {
			if f.Value.IsComposite() {
				b.WriteString(pad + f.Key + ":\n")
				writeFlattened(b, f.Value, indent+1)
				continue
			}
			b.WriteString(pad + f.Key + ": " + f.Value.Scalar + "\n")
		}
	case KindList:
		for _, item := range v.Items {
			if !item.IsComposite() {
				b.WriteString(pad + "- " + item.Scalar + "\n")
				continue
			}
			// The nested block's first line sits on the dash line.
			nested := Flatten(item, indent+1)
			b.WriteString(pad + "- " + strings.TrimLeft(nested, " ") + "\n")
		}
	default:
		b.WriteString(pad + v.Scalar + "\n")
	}
}
