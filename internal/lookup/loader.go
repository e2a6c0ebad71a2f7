package lookup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/dwhsync/internal/domain"
)

// KeyRepository resolves natural keys to the surrogate keys of current
// dimension versions.
type KeyRepository interface {
	SurrogateKeys(ctx context.Context, dimension string, keys []domain.NaturalKey) (domain.LookupMap, error)
}

const keySeparator = "|"

// Loader batches surrogate key lookups across callers so that resolving many
// rows issues one query per dimension. A Loader caches results; create one per
// reprocessing pass so that new dimension versions are seen.
type Loader struct {
	loader *dataloader.Loader
}

// NewLoader creates a loader backed by repo.
func NewLoader(repo KeyRepository) *Loader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		byDimension := map[string][]domain.NaturalKey{}
		for _, k := range keys {
			dimension, key := splitKey(k.String())
			byDimension[dimension] = append(byDimension[dimension], key)
		}

		found := make(map[string]domain.LookupMap, len(byDimension))
		failed := map[string]error{}
		for dimension, naturalKeys := range byDimension {
			lookup, err := repo.SurrogateKeys(ctx, dimension, naturalKeys)
			if err != nil {
				failed[dimension] = fmt.Errorf("failed to load surrogate keys for %s: %w", dimension, err)
				continue
			}
			found[dimension] = lookup
		}

		results := make([]*dataloader.Result, len(keys))
		for i, k := range keys {
			dimension, key := splitKey(k.String())
			if err, ok := failed[dimension]; ok {
				results[i] = &dataloader.Result{Error: err}
				continue
			}
			if surrogate, ok := found[dimension][key]; ok {
				results[i] = &dataloader.Result{Data: surrogate}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}

	return &Loader{loader: dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))}
}

// Lookup returns the surrogate keys found for keys in one dimension. Keys with
// no current version are absent from the result.
func (l *Loader) Lookup(ctx context.Context, dimension string, keys []domain.NaturalKey) (domain.LookupMap, error) {
	out := domain.LookupMap{}
	if len(keys) == 0 {
		return out, nil
	}

	raw := make([]string, len(keys))
	for i, key := range keys {
		raw[i] = joinKey(dimension, key)
	}

	values, errs := l.loader.LoadMany(ctx, dataloader.NewKeysFromStrings(raw))()
	for i, value := range values {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		if surrogate, ok := value.(int64); ok {
			out[keys[i]] = surrogate
		}
	}
	return out, nil
}

// ForRows builds the lookup maps needed to resolve rows of table, fetching
// only the natural keys the rows reference.
func (l *Loader) ForRows(ctx context.Context, table domain.FactTable, rows []domain.Row) (map[string]domain.LookupMap, error) {
	wanted := map[string][]domain.NaturalKey{}
	seen := map[string]struct{}{}
	for _, row := range rows {
		for _, fk := range table.ForeignKeys {
			key, ok := domain.KeyOf(row[fk.Column])
			if !ok {
				continue
			}
			id := joinKey(fk.Dimension, key)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			wanted[fk.Dimension] = append(wanted[fk.Dimension], key)
		}
	}

	maps := make(map[string]domain.LookupMap, len(wanted))
	for _, dimension := range Dimensions(table) {
		lookup, err := l.Lookup(ctx, dimension, wanted[dimension])
		if err != nil {
			return nil, err
		}
		maps[dimension] = lookup
	}
	return maps, nil
}

func joinKey(dimension string, key domain.NaturalKey) string {
	return dimension + keySeparator + string(key)
}

func splitKey(raw string) (string, domain.NaturalKey) {
	dimension, key, _ := strings.Cut(raw, keySeparator)
	return dimension, domain.NaturalKey(key)
}
