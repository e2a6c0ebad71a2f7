package lookup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/dwhsync/internal/domain"
)

type fakeKeyRepo struct {
	mu    sync.Mutex
	keys  map[string]domain.LookupMap
	calls map[string][][]domain.NaturalKey
	err   error
}

func (f *fakeKeyRepo) SurrogateKeys(ctx context.Context, dimension string, keys []domain.NaturalKey) (domain.LookupMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string][][]domain.NaturalKey{}
	}
	f.calls[dimension] = append(f.calls[dimension], keys)
	if f.err != nil {
		return nil, f.err
	}
	out := domain.LookupMap{}
	for _, key := range keys {
		if sk, ok := f.keys[dimension][key]; ok {
			out[key] = sk
		}
	}
	return out, nil
}

func TestBuildMaps_CurrentRowsOnly(t *testing.T) {
	maps := BuildMaps(map[string][]domain.DimensionRow{
		"DimCustomer": {
			{SurrogateKey: 1, NaturalKey: "1", IsCurrent: false},
			{SurrogateKey: 2, NaturalKey: "1", IsCurrent: true},
			{SurrogateKey: 3, NaturalKey: "2", IsCurrent: true},
		},
		"DimProduct": {},
	})

	assert.Equal(t, domain.LookupMap{"1": 2, "2": 3}, maps["DimCustomer"])
	assert.NotNil(t, maps["DimProduct"])
	assert.Empty(t, maps["DimProduct"])
}

func TestDimensions_Deduplicates(t *testing.T) {
	table := domain.FactTable{ForeignKeys: []domain.ForeignKey{
		{Dimension: "DimDate", Column: "OrderDateID"},
		{Dimension: "DimCustomer", Column: "CustomerID"},
		{Dimension: "DimDate", Column: "ShipDateID"},
	}}
	assert.Equal(t, []string{"DimDate", "DimCustomer"}, Dimensions(table))
}

func TestLoader_BatchesPerDimension(t *testing.T) {
	repo := &fakeKeyRepo{keys: map[string]domain.LookupMap{
		"DimCustomer": {"1": 101, "2": 102},
		"DimProduct":  {"7": 701},
	}}
	loader := NewLoader(repo)

	table := domain.FactTable{ForeignKeys: []domain.ForeignKey{
		{Dimension: "DimCustomer", Column: "CustomerID"},
		{Dimension: "DimProduct", Column: "ProductID"},
	}}
	rows := []domain.Row{
		{"CustomerID": int64(1), "ProductID": int64(7)},
		{"CustomerID": int64(2), "ProductID": int64(7)},
		{"CustomerID": int64(999), "ProductID": nil},
	}

	maps, err := loader.ForRows(context.Background(), table, rows)
	require.NoError(t, err)
	assert.Equal(t, domain.LookupMap{"1": 101, "2": 102}, maps["DimCustomer"])
	assert.Equal(t, domain.LookupMap{"7": 701}, maps["DimProduct"])

	var requested []string
	for _, batch := range repo.calls["DimCustomer"] {
		for _, key := range batch {
			requested = append(requested, string(key))
		}
	}
	sort.Strings(requested)
	assert.Equal(t, []string{"1", "2", "999"}, requested)
}

func TestLoader_PropagatesRepositoryErrors(t *testing.T) {
	repo := &fakeKeyRepo{err: errors.New("connection reset")}
	loader := NewLoader(repo)

	_, err := loader.Lookup(context.Background(), "DimCustomer", []domain.NaturalKey{"1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestLoader_EmptyKeys(t *testing.T) {
	loader := NewLoader(&fakeKeyRepo{})
	lookup, err := loader.Lookup(context.Background(), "DimCustomer", nil)
	require.NoError(t, err)
	assert.Empty(t, lookup)
}
