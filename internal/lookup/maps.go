package lookup

import "github.com/rpattn/dwhsync/internal/domain"

// BuildMaps indexes current dimension versions by natural key. Historical
// versions never enter a lookup map.
func BuildMaps(current map[string][]domain.DimensionRow) map[string]domain.LookupMap {
	maps := make(map[string]domain.LookupMap, len(current))
	for dimension, rows := range current {
		lookup := make(domain.LookupMap, len(rows))
		for _, row := range rows {
			if !row.IsCurrent {
				continue
			}
			lookup[row.NaturalKey] = row.SurrogateKey
		}
		maps[dimension] = lookup
	}
	return maps
}

// Dimensions lists the dimensions referenced by a fact table's foreign keys.
func Dimensions(table domain.FactTable) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, fk := range table.ForeignKeys {
		if _, ok := seen[fk.Dimension]; ok {
			continue
		}
		seen[fk.Dimension] = struct{}{}
		out = append(out, fk.Dimension)
	}
	return out
}
