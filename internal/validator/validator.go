package validator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/dwhsync/internal/domain"
)

// Validate runs the null, duplicate and numeric-range checks over one
// extracted batch. It has no side effects; severity is decided by the caller.
func Validate(batchName string, rows []domain.Row) []domain.CheckResult {
	columns := domain.Columns(rows)
	return []domain.CheckResult{
		CheckNulls(batchName, rows, columns),
		CheckDuplicates(batchName, rows, columns),
		CheckNumericRange(batchName, rows, columns),
	}
}

// CheckNulls counts NULLs per column. Every column is reported, including the
// clean ones, so callers can apply their own policy.
func CheckNulls(batchName string, rows []domain.Row, columns []string) domain.CheckResult {
	result := domain.CheckResult{
		Batch:   batchName,
		Check:   domain.CheckNull,
		Passed:  true,
		Columns: make(map[string]int, len(columns)),
		Rows:    map[string][]int{},
	}

	for _, column := range columns {
		result.Columns[column] = 0
	}

	for idx, row := range rows {
		for _, column := range columns {
			if value, ok := row[column]; ok && value != nil {
				continue
			}
			result.Columns[column]++
			result.Rows[column] = append(result.Rows[column], idx)
		}
	}

	parts := []string{}
	for _, column := range columns {
		if count := result.Columns[column]; count > 0 {
			result.Passed = false
			parts = append(parts, fmt.Sprintf("%d nulls in %s", count, column))
		}
	}
	result.Detail = summarize(parts, "no null values")

	return result
}

// CheckDuplicates fails when a row equals an earlier row on every column. The
// later copies are reported; an empty batch always passes.
func CheckDuplicates(batchName string, rows []domain.Row, columns []string) domain.CheckResult {
	result := domain.CheckResult{
		Batch:  batchName,
		Check:  domain.CheckDuplicate,
		Passed: true,
		Rows:   map[string][]int{},
	}

	seen := make(map[string]int, len(rows))
	for idx, row := range rows {
		fingerprint := Fingerprint(row, columns)
		if _, ok := seen[fingerprint]; ok {
			result.Rows[""] = append(result.Rows[""], idx)
			continue
		}
		seen[fingerprint] = idx
	}

	if duplicates := len(result.Rows[""]); duplicates > 0 {
		result.Passed = false
		result.Columns = map[string]int{"": duplicates}
		result.Detail = fmt.Sprintf("%d duplicate rows", duplicates)
		return result
	}

	result.Detail = "no duplicate rows"
	return result
}

// CheckNumericRange fails when a numeric column holds a negative value.
func CheckNumericRange(batchName string, rows []domain.Row, columns []string) domain.CheckResult {
	result := domain.CheckResult{
		Batch:   batchName,
		Check:   domain.CheckNumericRange,
		Passed:  true,
		Columns: map[string]int{},
		Rows:    map[string][]int{},
	}

	for idx, row := range rows {
		for _, column := range columns {
			number, ok := domain.AsFloat(row[column])
			if !ok || number >= 0 {
				continue
			}
			result.Columns[column]++
			result.Rows[column] = append(result.Rows[column], idx)
		}
	}

	parts := []string{}
	for _, column := range columns {
		if count := result.Columns[column]; count > 0 {
			result.Passed = false
			parts = append(parts, fmt.Sprintf("%d negative values in %s", count, column))
		}
	}
	result.Detail = summarize(parts, "no negative values")

	return result
}

// Fingerprint renders the row as a canonical string over the given columns so
// that equal rows produce equal fingerprints regardless of numeric width.
func Fingerprint(row domain.Row, columns []string) string {
	var builder strings.Builder
	for _, column := range columns {
		builder.WriteString(column)
		builder.WriteByte('=')
		builder.WriteString(canonicalValue(row[column]))
		builder.WriteByte(0x1f)
	}
	return builder.String()
}

func canonicalValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "null"
	case string:
		return "s:" + strconv.Quote(typed)
	case bool:
		return "b:" + strconv.FormatBool(typed)
	case time.Time:
		return "t:" + typed.UTC().Format(time.RFC3339Nano)
	case []byte:
		return "x:" + strconv.Quote(string(typed))
	}

	if domain.IsNumeric(value) {
		key, _ := domain.KeyOf(value)
		return "n:" + string(key)
	}

	return fmt.Sprintf("v:%v", value)
}

// GoverningColumns returns the failing columns of a result in sorted order.
func GoverningColumns(result domain.CheckResult) []string {
	columns := make([]string, 0, len(result.Columns))
	for column, count := range result.Columns {
		if count > 0 {
			columns = append(columns, column)
		}
	}
	sort.Strings(columns)
	return columns
}

func summarize(parts []string, clean string) string {
	if len(parts) == 0 {
		return clean
	}
	return strings.Join(parts, "; ")
}
