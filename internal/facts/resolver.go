package facts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/dwhsync/internal/domain"
)

// Resolution splits a fact batch into rows ready for loading and rows that
// could not be mapped onto dimension surrogate keys.
type Resolution struct {
	Loadable []domain.Row
	// Sources holds the pre-resolution row for each loadable row, which is
	// what fact row keys are computed from.
	Sources []domain.Row
	Errors  []domain.ErrorRecord
}

// Resolve rewrites every configured foreign key column of each row to the
// surrogate key of the current dimension version. Rows with a key missing from
// its lookup map are excluded and reported once as ForeignKeyMissing; rows with
// a NULL foreign key are reported as NullViolation since they can never
// resolve.
func Resolve(table domain.FactTable, rows []domain.Row, lookups map[string]domain.LookupMap) Resolution {
	resolution := Resolution{
		Loadable: make([]domain.Row, 0, len(rows)),
		Sources:  make([]domain.Row, 0, len(rows)),
		Errors:   []domain.ErrorRecord{},
	}

	for _, row := range rows {
		resolved, failure := ResolveRow(table, row, lookups)
		if failure != nil {
			resolution.Errors = append(resolution.Errors, *failure)
			continue
		}
		resolution.Loadable = append(resolution.Loadable, resolved)
		resolution.Sources = append(resolution.Sources, row)
	}

	return resolution
}

// ResolveRow resolves a single row. It returns either the resolved row or the
// error record describing why it could not be loaded, never both.
func ResolveRow(table domain.FactTable, row domain.Row, lookups map[string]domain.LookupMap) (domain.Row, *domain.ErrorRecord) {
	resolved := row.Clone()
	var nullColumns, missing []string

	for _, fk := range table.ForeignKeys {
		key, ok := domain.KeyOf(row[fk.Column])
		if !ok {
			nullColumns = append(nullColumns, fk.Column)
			continue
		}

		surrogate, found := lookups[fk.Dimension][key]
		if !found {
			missing = append(missing, fmt.Sprintf("%s=%s (%s)", fk.Column, key, fk.Dimension))
			continue
		}

		if fk.KeyColumn != "" && fk.KeyColumn != fk.Column {
			delete(resolved, fk.Column)
		}
		resolved[fk.TargetColumn()] = surrogate
	}

	switch {
	case len(nullColumns) > 0:
		sort.Strings(nullColumns)
		return nil, rowError(table, row, domain.ErrorTypeNullViolation, false,
			fmt.Sprintf("null foreign key in %s", strings.Join(nullColumns, ", ")))
	case len(missing) > 0:
		return nil, rowError(table, row, domain.ErrorTypeForeignKeyMissing, true,
			fmt.Sprintf("no current dimension row for %s", strings.Join(missing, ", ")))
	}

	if err := CheckLoadable(table, resolved); err != nil {
		return nil, rowError(table, row, domain.ErrorTypeNullViolation, false, err.Error())
	}

	return resolved, nil
}

// CheckLoadable enforces that every foreign key target holds a surrogate key.
// It runs before any row reaches the fact store.
func CheckLoadable(table domain.FactTable, row domain.Row) error {
	for _, fk := range table.ForeignKeys {
		if _, ok := row[fk.TargetColumn()].(int64); !ok {
			return fmt.Errorf("fact %s column %s holds no surrogate key", table.Name, fk.TargetColumn())
		}
	}
	return nil
}

func rowError(table domain.FactTable, row domain.Row, errorType domain.ErrorType, recoverable bool, message string) *domain.ErrorRecord {
	return &domain.ErrorRecord{
		SourceTable:      table.Name,
		RecordNaturalKey: table.RecordKey(row),
		ErrorType:        errorType,
		ErrorSeverity:    domain.SeverityWarning,
		ErrorMessage:     message,
		FailedData:       row.Clone(),
		IsRecoverable:    recoverable,
	}
}
