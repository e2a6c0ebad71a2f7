package domain

import (
	"errors"
)

var (
	// ErrSchemaMismatch is returned when a batch lacks a required column.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrCriticalValidation halts a window before any dimension or fact write.
	ErrCriticalValidation = errors.New("critical validation failure")

	// ErrLoadFailure wraps store write failures.
	ErrLoadFailure = errors.New("load failure")

	// ErrNotFound is returned by repositories for missing rows.
	ErrNotFound = errors.New("not found")
)

// Check names reported by the validator.
const (
	CheckNull         = "null_check"
	CheckDuplicate    = "duplicate_check"
	CheckNumericRange = "numeric_range_check"
)

// CheckResult is the outcome of one quality check over a batch.
type CheckResult struct {
	Batch  string `json:"batch"`
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
	// Columns maps each governing column to its violation count.
	Columns map[string]int `json:"columns,omitempty"`
	// Rows lists the positions of offending rows per column. Duplicate
	// checks report under the empty column name.
	Rows map[string][]int `json:"rows,omitempty"`
}

// ErrorType returns the ledger classification for a failed check.
func (c CheckResult) ErrorType() ErrorType {
	switch c.Check {
	case CheckNull:
		return ErrorTypeNullViolation
	case CheckDuplicate:
		return ErrorTypeDuplicateRow
	default:
		return ErrorTypeNegativeValue
	}
}

// TablePolicy is the per-table severity configuration consumed by the
// coordinator. Nullable columns are exempt from null violations.
type TablePolicy struct {
	CriticalColumns []string `json:"critical_columns" mapstructure:"critical_columns"`
	NullableColumns []string `json:"nullable_columns" mapstructure:"nullable_columns"`
}

// IsCritical reports whether the column blocks the window when it fails.
func (p TablePolicy) IsCritical(column string) bool {
	return contains(p.CriticalColumns, column)
}

// IsNullable reports whether NULLs in the column are accepted.
func (p TablePolicy) IsNullable(column string) bool {
	return contains(p.NullableColumns, column)
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
