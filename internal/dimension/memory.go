package dimension

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/dwhsync/internal/domain"
)

// MemoryStore is an in-process Store with the same versioning rules as the
// Postgres repository. Transactions apply to a copy and swap it in on success.
type MemoryStore struct {
	mu      sync.Mutex
	rows    []domain.DimensionRow
	nextKey int64

	// FailInsert, when set, is consulted before every insert.
	FailInsert func(version domain.DimensionRow) error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextKey: 1}
}

// Seed adds stored versions as-is, assigning surrogate keys when missing.
func (s *MemoryStore) Seed(rows ...domain.DimensionRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if row.SurrogateKey == 0 {
			row.SurrogateKey = s.nextKey
		}
		if row.SurrogateKey >= s.nextKey {
			s.nextKey = row.SurrogateKey + 1
		}
		s.rows = append(s.rows, row)
	}
}

// CurrentRows returns the current versions of a dimension.
func (s *MemoryStore) CurrentRows(ctx context.Context, dimension string) ([]domain.DimensionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.DimensionRow{}
	for _, row := range s.rows {
		if row.Dimension == dimension && row.IsCurrent {
			out = append(out, row)
		}
	}
	return out, nil
}

// SurrogateKeys resolves natural keys against the current versions.
func (s *MemoryStore) SurrogateKeys(ctx context.Context, dimension string, keys []domain.NaturalKey) (domain.LookupMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[domain.NaturalKey]struct{}, len(keys))
	for _, key := range keys {
		wanted[key] = struct{}{}
	}

	out := domain.LookupMap{}
	for _, row := range s.rows {
		if row.Dimension != dimension || !row.IsCurrent {
			continue
		}
		if _, ok := wanted[row.NaturalKey]; ok {
			out[row.NaturalKey] = row.SurrogateKey
		}
	}
	return out, nil
}

// History returns every version of a key ordered by ValidFrom.
func (s *MemoryStore) History(dimension string, key domain.NaturalKey) []domain.DimensionRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.DimensionRow{}
	for _, row := range s.rows {
		if row.Dimension == dimension && row.NaturalKey == key {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ValidFrom.Equal(out[j].ValidFrom) {
			return out[i].SurrogateKey < out[j].SurrogateKey
		}
		return out[i].ValidFrom.Before(out[j].ValidFrom)
	})
	return out
}

// Rows returns a copy of all stored versions.
func (s *MemoryStore) Rows() []domain.DimensionRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DimensionRow(nil), s.rows...)
}

// WithinTx runs fn against a copy of the store and keeps the copy only when fn
// succeeds.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		rows:       append([]domain.DimensionRow(nil), s.rows...),
		nextKey:    s.nextKey,
		failInsert: s.FailInsert,
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.rows = tx.rows
	s.nextKey = tx.nextKey
	return nil
}

type memoryTx struct {
	rows       []domain.DimensionRow
	nextKey    int64
	failInsert func(domain.DimensionRow) error
}

func (t *memoryTx) ExpireCurrent(ctx context.Context, dimension string, key domain.NaturalKey, validTo, processingDate time.Time) (int64, error) {
	var affected int64
	for idx := range t.rows {
		row := &t.rows[idx]
		if row.Dimension != dimension || row.NaturalKey != key || !row.IsCurrent {
			continue
		}
		if !row.ValidFrom.Before(processingDate) {
			continue
		}
		end := validTo
		row.ValidTo = &end
		row.IsCurrent = false
		affected++
	}
	return affected, nil
}

func (t *memoryTx) InsertVersion(ctx context.Context, version domain.DimensionRow) (bool, error) {
	if t.failInsert != nil {
		if err := t.failInsert(version); err != nil {
			return false, err
		}
	}
	for _, row := range t.rows {
		if row.Dimension == version.Dimension && row.NaturalKey == version.NaturalKey && row.IsCurrent {
			return false, nil
		}
	}
	version.SurrogateKey = t.nextKey
	t.nextKey++
	t.rows = append(t.rows, version)
	return true, nil
}

func (t *memoryTx) ReviseCurrent(ctx context.Context, version domain.DimensionRow) (Revision, error) {
	for idx := range t.rows {
		row := &t.rows[idx]
		if row.Dimension != version.Dimension || row.NaturalKey != version.NaturalKey || !row.IsCurrent {
			continue
		}
		if !row.ValidFrom.Equal(version.ValidFrom) {
			return RevisionConflict, nil
		}
		if domain.RowsEqual(row.Attributes, version.Attributes) {
			return RevisionNone, nil
		}
		row.Attributes = version.Attributes.Clone()
		return RevisionApplied, nil
	}
	return RevisionNone, nil
}
