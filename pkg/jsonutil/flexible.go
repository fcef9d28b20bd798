package jsonutil

import (
	"encoding/json"
	"strconv"
	"strings"
)

// FlexibleString accepts a JSON string, number, or boolean. Models are inconsistent
// about quoting scalar fields, so decode such fields into FlexibleString.
type FlexibleString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleString) UnmarshalJSON(raw []byte) error {
	*f = FlexibleString(FlexibleStringValue(raw))
	return nil
}

// String returns the plain string value.
func (f FlexibleString) String() string {
	return string(f)
}

// FlexibleText is free text that models sometimes return as a list of strings.
// Lists are joined with "; ".
type FlexibleText string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleText) UnmarshalJSON(raw []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		parts := make([]string, 0, len(items))
		for _, item := range items {
			if v := FlexibleStringValue(item); v != "" {
				parts = append(parts, v)
			}
		}
		*f = FlexibleText(strings.Join(parts, "; "))
		return nil
	}
	*f = FlexibleText(FlexibleStringValue(raw))
	return nil
}

// FlexibleStringValue converts a json.RawMessage to a string, handling cases where
// LLMs return numbers or booleans instead of strings. Returns empty string for null/empty.
func FlexibleStringValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		if numVal == float64(int64(numVal)) {
			return strconv.FormatInt(int64(numVal), 10)
		}
		return strconv.FormatFloat(numVal, 'g', -1, 64)
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return strconv.FormatBool(boolVal)
	}

	return string(raw)
}

// YesNo normalizes a model's yes/no style answer ("YES", "yes", true, "y", 1) to
// "YES" or "NO". Anything unrecognised is "NO".
func YesNo(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "y", "true", "1":
		return "YES"
	default:
		return "NO"
	}
}
