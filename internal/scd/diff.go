// Package scd computes Slowly Changing Dimension Type 2 diffs between the
// current versions of a dimension and a freshly extracted batch.
package scd

import (
	"fmt"
	"sort"

	"github.com/rpattn/dwhsync/internal/domain"
)

// Diff compares the current snapshot with the incoming batch on the tracked
// columns.
//
// Keys missing from the snapshot become inserts. Keys whose tracked columns
// differ produce an insert (the new version) and an update (the current version
// to expire). Snapshot keys absent from the batch are left alone. When the
// batch repeats a natural key the last occurrence wins.
func Diff(current []domain.DimensionRow, incoming []domain.Row, naturalKey string, trackedColumns []string) (domain.SCDDiff, error) {
	if naturalKey == "" {
		return domain.SCDDiff{}, fmt.Errorf("%w: natural key column is required", domain.ErrSchemaMismatch)
	}
	if err := checkIncomingSchema(incoming, naturalKey, trackedColumns); err != nil {
		return domain.SCDDiff{}, err
	}

	snapshot, err := indexCurrent(current, naturalKey)
	if err != nil {
		return domain.SCDDiff{}, err
	}

	latest, order, err := indexIncoming(incoming, naturalKey)
	if err != nil {
		return domain.SCDDiff{}, err
	}

	diff := domain.SCDDiff{
		Inserts: []domain.Row{},
		Updates: []domain.DimensionRow{},
	}

	for _, key := range order {
		row := latest[key]
		existing, ok := snapshot[key]
		if !ok {
			diff.Inserts = append(diff.Inserts, row.Clone())
			continue
		}

		if !trackedChanged(existing.Attributes, row, trackedColumns) {
			diff.Unchanged++
			continue
		}

		diff.Inserts = append(diff.Inserts, row.Clone())
		diff.Updates = append(diff.Updates, existing)
	}

	return diff, nil
}

// Changed reports whether any tracked column differs between the stored
// attributes and the incoming row. Comparison is exact.
func Changed(stored, incoming domain.Row, trackedColumns []string) bool {
	return trackedChanged(stored, incoming, trackedColumns)
}

func trackedChanged(stored, incoming domain.Row, trackedColumns []string) bool {
	for _, column := range trackedColumns {
		if !domain.ValuesEqual(stored[column], incoming[column]) {
			return true
		}
	}
	return false
}

func checkIncomingSchema(incoming []domain.Row, naturalKey string, trackedColumns []string) error {
	if len(incoming) == 0 {
		return nil
	}

	present := map[string]struct{}{}
	for _, column := range domain.Columns(incoming) {
		present[column] = struct{}{}
	}

	if _, ok := present[naturalKey]; !ok {
		return fmt.Errorf("%w: natural key %s absent from incoming batch", domain.ErrSchemaMismatch, naturalKey)
	}

	missing := []string{}
	for _, column := range trackedColumns {
		if _, ok := present[column]; !ok {
			missing = append(missing, column)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: tracked columns %v absent from incoming batch", domain.ErrSchemaMismatch, missing)
	}

	return nil
}

func indexCurrent(current []domain.DimensionRow, naturalKey string) (map[domain.NaturalKey]domain.DimensionRow, error) {
	snapshot := make(map[domain.NaturalKey]domain.DimensionRow, len(current))
	for _, row := range current {
		if !row.IsCurrent {
			continue
		}

		key := row.NaturalKey
		if key == "" {
			derived, ok := row.Attributes.Key(naturalKey)
			if !ok {
				return nil, fmt.Errorf("%w: natural key %s absent from current snapshot row %d", domain.ErrSchemaMismatch, naturalKey, row.SurrogateKey)
			}
			key = derived
			row.NaturalKey = key
		}

		if other, exists := snapshot[key]; exists {
			return nil, fmt.Errorf("current snapshot holds two current versions for key %s (surrogate keys %d and %d)", key, other.SurrogateKey, row.SurrogateKey)
		}
		snapshot[key] = row
	}
	return snapshot, nil
}

// indexIncoming keeps the last row per key and orders keys by the position of
// that last row.
func indexIncoming(incoming []domain.Row, naturalKey string) (map[domain.NaturalKey]domain.Row, []domain.NaturalKey, error) {
	latest := make(map[domain.NaturalKey]domain.Row, len(incoming))
	position := make(map[domain.NaturalKey]int, len(incoming))

	for idx, row := range incoming {
		key, ok := row.Key(naturalKey)
		if !ok {
			return nil, nil, fmt.Errorf("%w: incoming row %d has no value for natural key %s", domain.ErrSchemaMismatch, idx, naturalKey)
		}
		latest[key] = row
		position[key] = idx
	}

	order := make([]domain.NaturalKey, 0, len(latest))
	for key := range latest {
		order = append(order, key)
	}
	sort.Slice(order, func(i, j int) bool {
		return position[order[i]] < position[order[j]]
	})

	return latest, order, nil
}
