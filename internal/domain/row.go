package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Row is one extracted record: column name to typed value. A nil value or a
// missing column is a NULL.
//
// Values are normalized to int64, float64, string, bool, time.Time or nil by
// the extraction layer; other numeric kinds are accepted and compared by value.
type Row map[string]any

// NaturalKey is the canonical text form of a business identifier.
type NaturalKey string

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return Row{}
	}
	out := make(Row, len(r))
	for key, value := range r {
		out[key] = value
	}
	return out
}

// Has reports whether the column is present, even when its value is NULL.
func (r Row) Has(column string) bool {
	_, ok := r[column]
	return ok
}

// Key returns the canonical natural key stored in column.
func (r Row) Key(column string) (NaturalKey, bool) {
	value, ok := r[column]
	if !ok {
		return "", false
	}
	return KeyOf(value)
}

// Columns returns the sorted union of column names over rows.
func Columns(rows []Row) []string {
	seen := map[string]struct{}{}
	for _, row := range rows {
		for column := range row {
			seen[column] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for column := range seen {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

// KeyOf converts a natural key value into its canonical text form. Integral
// numbers of any width map to the same key, so 42, int32(42) and 42.0 agree.
func KeyOf(value any) (NaturalKey, bool) {
	switch typed := value.(type) {
	case nil:
		return "", false
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return "", false
		}
		return NaturalKey(trimmed), true
	case time.Time:
		return NaturalKey(typed.UTC().Format(time.RFC3339Nano)), true
	case bool:
		return NaturalKey(strconv.FormatBool(typed)), true
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return NaturalKey(strconv.FormatInt(i, 10)), true
		}
		return NaturalKey(typed.String()), true
	}

	if number, ok := AsFloat(value); ok {
		if number == math.Trunc(number) && math.Abs(number) < 1<<53 {
			return NaturalKey(strconv.FormatInt(int64(number), 10)), true
		}
		if i, ok := asInt64(value); ok {
			return NaturalKey(strconv.FormatInt(i, 10)), true
		}
		return NaturalKey(strconv.FormatFloat(number, 'g', -1, 64)), true
	}

	return NaturalKey(fmt.Sprintf("%v", value)), true
}

// IsNumeric reports whether the value is a Go numeric kind.
func IsNumeric(value any) bool {
	_, ok := AsFloat(value)
	return ok
}

// AsFloat widens any numeric kind to float64.
func AsFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	case json.Number:
		f, err := typed.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int8:
		return int64(typed), true
	case int16:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case uint8:
		return int64(typed), true
	case uint16:
		return int64(typed), true
	case uint32:
		return int64(typed), true
	default:
		return 0, false
	}
}

// ValuesEqual compares two column values exactly. Numbers compare by value
// regardless of width with no epsilon, times compare by instant, and NULL only
// equals NULL.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if ai, ok := asInt64(a); ok {
		if bi, ok := asInt64(b); ok {
			return ai == bi
		}
	}
	if af, ok := AsFloat(a); ok {
		bf, ok := AsFloat(b)
		return ok && af == bf
	}

	switch typed := a.(type) {
	case time.Time:
		other, ok := asTime(b)
		return ok && typed.Equal(other)
	case string:
		if other, ok := b.(time.Time); ok {
			parsed, ok := asTime(typed)
			return ok && parsed.Equal(other)
		}
		other, ok := b.(string)
		return ok && typed == other
	case bool:
		other, ok := b.(bool)
		return ok && typed == other
	case []byte:
		other, ok := b.([]byte)
		return ok && string(typed) == string(other)
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// asTime accepts a time.Time or its JSON text form, which is how timestamps
// come back from JSONB attribute storage.
func asTime(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, typed)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// NormalizeJSONValue turns values decoded with json.Decoder.UseNumber back into
// the canonical row kinds.
func NormalizeJSONValue(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case map[string]any:
		for key, inner := range typed {
			typed[key] = NormalizeJSONValue(inner)
		}
		return typed
	case []any:
		for idx, inner := range typed {
			typed[idx] = NormalizeJSONValue(inner)
		}
		return typed
	default:
		return value
	}
}

// DecodeRow parses a JSON object into a Row keeping integers as int64.
func DecodeRow(data []byte) (Row, error) {
	if len(data) == 0 {
		return Row{}, nil
	}
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.UseNumber()

	raw := map[string]any{}
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}

	row := make(Row, len(raw))
	for key, value := range raw {
		row[key] = NormalizeJSONValue(value)
	}
	return row, nil
}

// EncodeRow serializes a row as a JSON object with sorted keys.
func EncodeRow(row Row) ([]byte, error) {
	encoded, err := json.Marshal(map[string]any(row))
	if err != nil {
		return nil, fmt.Errorf("failed to encode row: %w", err)
	}
	return encoded, nil
}

// RowsEqual reports whether two rows hold the same columns with equal values.
func RowsEqual(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}
	for column, value := range a {
		other, ok := b[column]
		if !ok || !ValuesEqual(value, other) {
			return false
		}
	}
	return true
}
