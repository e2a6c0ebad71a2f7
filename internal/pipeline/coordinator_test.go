package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rpattn/dwhsync/internal/dimension"
	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/ledger"
)

var (
	customerDim = domain.DimensionTable{Name: "DimCustomer", NaturalKey: "CustomerID", TrackedColumns: []string{"City"}}
	productDim  = domain.DimensionTable{Name: "DimProduct", NaturalKey: "ProductID", TrackedColumns: []string{"ListPrice"}}
	salesFact   = domain.FactTable{
		Name:       "FactSales",
		NaturalKey: "SalesOrderDetailID",
		ForeignKeys: []domain.ForeignKey{
			{Dimension: "DimCustomer", Column: "CustomerID", KeyColumn: "CustomerKey"},
		},
	}
	salesPolicy = domain.TablePolicy{
		CriticalColumns: []string{"OrderQty", "UnitPrice"},
		NullableColumns: []string{"StoreID"},
	}
	window = domain.ProcessingWindow{
		From: time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC),
	}
)

type harness struct {
	dims    *dimension.MemoryStore
	facts   *memoryFacts
	errors  *ledger.MemoryRepository
	ledger  *ledger.Ledger
	coord   *Coordinator
	context context.Context
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	dims := dimension.NewMemoryStore()
	dims.Seed(domain.DimensionRow{
		SurrogateKey: 1,
		Dimension:    "DimCustomer",
		NaturalKey:   "1",
		Attributes:   domain.Row{"CustomerID": int64(1), "City": "NYC"},
		ValidFrom:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		IsCurrent:    true,
	})

	errorsRepo := ledger.NewMemoryRepository()
	l := ledger.New(errorsRepo, logger, nil)
	factStore := newMemoryFacts()

	return &harness{
		dims:    dims,
		facts:   factStore,
		errors:  errorsRepo,
		ledger:  l,
		coord:   NewCoordinator(dims, factStore, l, logger, nil, opts),
		context: context.Background(),
	}
}

func (h *harness) records(t *testing.T) []domain.ErrorRecord {
	t.Helper()
	records, err := h.ledger.List(h.context, domain.ErrorFilter{})
	require.NoError(t, err)
	return records
}

func customerBatch(rows ...domain.Row) DimensionBatch {
	return DimensionBatch{Table: customerDim, Batch: Batch{Name: "Customer", Rows: rows}}
}

func salesBatch(rows ...domain.Row) FactBatch {
	return FactBatch{Table: salesFact, Batch: Batch{Name: "SalesOrderDetail", Rows: rows, Policy: salesPolicy}}
}

func sale(id, customer int64, qty int64, price float64) domain.Row {
	return domain.Row{
		"SalesOrderDetailID": id,
		"CustomerID":         customer,
		"OrderQty":           qty,
		"UnitPrice":          price,
		"LineTotal":          float64(qty) * price,
		"StoreID":            nil,
	}
}

func withColumn(row domain.Row, column string, value any) domain.Row {
	row[column] = value
	return row
}

func TestRunWindow_MergesDimensionsThenLoadsFacts(t *testing.T) {
	h := newHarness(t, Options{})

	summary, err := h.coord.RunWindow(h.context, window, Batches{
		Dimensions: []DimensionBatch{customerBatch(
			domain.Row{"CustomerID": int64(1), "City": "LA"},
			domain.Row{"CustomerID": int64(2), "City": "SF"},
		)},
		Facts: []FactBatch{salesBatch(
			sale(100, 1, 2, 9.99),
			sale(101, 2, 1, 5),
			sale(102, 999, 1, 5),
		)},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, summary.Status)
	assert.Equal(t, dimension.MergeResult{Inserted: 2, Expired: 1}, summary.Dimensions["DimCustomer"])
	assert.Equal(t, 2, summary.FactsLoaded["FactSales"])
	assert.Equal(t, 1, summary.ErrorsRecorded)

	current, err := h.dims.SurrogateKeys(h.context, "DimCustomer", []domain.NaturalKey{"1", "2"})
	require.NoError(t, err)

	loaded := map[string]int64{}
	for _, record := range h.facts.byTable("FactSales") {
		loaded[record.RowKey] = record.Data["CustomerKey"].(int64)
		assert.Equal(t, "20250310_factsales", record.ProcessingBatchID)
	}
	assert.Equal(t, map[string]int64{"100": current["1"], "101": current["2"]}, loaded)
	assert.NotEqual(t, int64(1), current["1"], "facts resolve against the version written in this window")

	records := h.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ErrorTypeForeignKeyMissing, records[0].ErrorType)
	assert.True(t, records[0].IsRecoverable)
	assert.Equal(t, int64(999), records[0].FailedData["CustomerID"])
}

func TestRunWindow_CriticalFailureHaltsBeforeWrites(t *testing.T) {
	h := newHarness(t, Options{})
	before := h.dims.Rows()

	summary, err := h.coord.RunWindow(h.context, window, Batches{
		Dimensions: []DimensionBatch{customerBatch(domain.Row{"CustomerID": int64(1), "City": "LA"})},
		Facts:      []FactBatch{salesBatch(sale(100, 1, -2, 9.99))},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCriticalValidation))
	assert.Equal(t, domain.RunStatusHalted, summary.Status)

	assert.Equal(t, before, h.dims.Rows())
	assert.Empty(t, h.facts.byTable("FactSales"))

	records := h.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, domain.SeverityCritical, records[0].ErrorSeverity)
	assert.Equal(t, domain.ErrorTypeNegativeValue, records[0].ErrorType)
	assert.Equal(t, "SalesOrderDetail", records[0].SourceTable)
	assert.Nil(t, records[0].RecordNaturalKey)
	assert.False(t, records[0].IsRecoverable)
}

func TestRunWindow_NonCriticalFailuresSkipRows(t *testing.T) {
	h := newHarness(t, Options{})

	summary, err := h.coord.RunWindow(h.context, window, Batches{
		Dimensions: []DimensionBatch{customerBatch(
			domain.Row{"CustomerID": int64(2), "City": "SF"},
			domain.Row{"CustomerID": int64(3), "City": nil},
			domain.Row{"CustomerID": int64(2), "City": "SF"},
		)},
		Facts: []FactBatch{salesBatch(
			sale(100, 1, 2, 9.99),
			withColumn(sale(101, 1, 1, 1), "LineTotal", -1.0),
		)},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Dimensions["DimCustomer"].Inserted)
	assert.Equal(t, 2, summary.RowsSkipped["Customer"])
	assert.Equal(t, 1, summary.RowsSkipped["SalesOrderDetail"])
	assert.Equal(t, 1, summary.FactsLoaded["FactSales"])
	assert.Empty(t, h.dims.History("DimCustomer", "3"))

	types := map[domain.ErrorType]int{}
	for _, record := range h.records(t) {
		assert.Equal(t, domain.SeverityWarning, record.ErrorSeverity)
		types[record.ErrorType]++
	}
	assert.Equal(t, map[domain.ErrorType]int{
		domain.ErrorTypeNullViolation: 1,
		domain.ErrorTypeDuplicateRow:  1,
		domain.ErrorTypeNegativeValue: 1,
	}, types)
}

func TestRunWindow_SchemaMismatchFailsOnlyThatDimension(t *testing.T) {
	h := newHarness(t, Options{})

	summary, err := h.coord.RunWindow(h.context, window, Batches{
		Dimensions: []DimensionBatch{
			{Table: productDim, Batch: Batch{Name: "Product", Rows: []domain.Row{{"ProductID": int64(7), "Name": "Widget"}}}},
			customerBatch(domain.Row{"CustomerID": int64(2), "City": "SF"}),
		},
		Facts: []FactBatch{salesBatch(sale(100, 2, 1, 5))},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSchemaMismatch))
	assert.Equal(t, domain.RunStatusFailed, summary.Status)
	assert.Equal(t, []string{"DimProduct"}, summary.FailedStages)

	assert.Equal(t, 1, summary.Dimensions["DimCustomer"].Inserted)
	assert.Equal(t, 1, summary.FactsLoaded["FactSales"])

	records := h.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ErrorTypeSchemaMismatch, records[0].ErrorType)
	assert.Equal(t, "DimProduct", records[0].SourceTable)
}

func TestRunWindow_FactLoadFailureIsRecoverable(t *testing.T) {
	h := newHarness(t, Options{})
	h.facts.failing = errors.New("connection reset")

	summary, err := h.coord.RunWindow(h.context, window, Batches{
		Facts: []FactBatch{salesBatch(sale(100, 1, 1, 5), sale(101, 1, 3, 5))},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLoadFailure))
	assert.Equal(t, []string{"FactSales"}, summary.FailedStages)

	records := h.records(t)
	require.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, domain.ErrorTypeLoadFailure, record.ErrorType)
		assert.True(t, record.IsRecoverable)
		assert.NotNil(t, record.RecordNaturalKey)
	}
}

func TestRunWindow_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	batches := Batches{
		Dimensions: []DimensionBatch{customerBatch(
			domain.Row{"CustomerID": int64(1), "City": "LA"},
			domain.Row{"CustomerID": int64(2), "City": "SF"},
		)},
		Facts: []FactBatch{salesBatch(sale(100, 1, 2, 9.99))},
	}

	_, err := h.coord.RunWindow(h.context, window, batches)
	require.NoError(t, err)
	dims := h.dims.Rows()

	summary, err := h.coord.RunWindow(h.context, window, batches)
	require.NoError(t, err)
	assert.Equal(t, dims, h.dims.Rows())
	assert.Equal(t, dimension.MergeResult{}, summary.Dimensions["DimCustomer"])
	assert.Equal(t, 0, summary.FactsLoaded["FactSales"])
	assert.Len(t, h.facts.byTable("FactSales"), 1)
}

func TestRunWindow_ReprocessesMissingKeysOnceDimensionArrives(t *testing.T) {
	h := newHarness(t, Options{ReprocessAfterWindow: true, ReprocessLimit: 10})
	retrier := NewFactRetrier([]domain.FactTable{salesFact}, h.dims, h.facts, zaptest.NewLogger(t))
	h.ledger.Register(domain.ErrorTypeForeignKeyMissing, retrier)
	h.ledger.Register(domain.ErrorTypeLoadFailure, retrier)

	first, err := h.coord.RunWindow(h.context, window, Batches{
		Facts: []FactBatch{salesBatch(sale(100, 5, 1, 5))},
	})
	require.NoError(t, err)
	require.NotNil(t, first.Reprocess)
	assert.Equal(t, 1, first.Reprocess.Failed)
	assert.Empty(t, h.facts.byTable("FactSales"))

	next := domain.ProcessingWindow{From: window.To, To: window.To.Add(24 * time.Hour)}
	second, err := h.coord.RunWindow(h.context, next, Batches{
		Dimensions: []DimensionBatch{customerBatch(domain.Row{"CustomerID": int64(5), "City": "Austin"})},
	})
	require.NoError(t, err)
	require.NotNil(t, second.Reprocess)
	assert.Equal(t, 1, second.Reprocess.Resolved)

	loaded := h.facts.byTable("FactSales")
	require.Len(t, loaded, 1)
	assert.Equal(t, "100", loaded[0].RowKey)
	assert.Equal(t, "20250310_factsales", loaded[0].ProcessingBatchID)

	records := h.records(t)
	require.Len(t, records, 1)
	assert.True(t, records[0].IsResolved)
	assert.Equal(t, 1, records[0].RetryCount)
}

func TestRunWindow_RejectsInvertedWindow(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.coord.RunWindow(h.context, domain.ProcessingWindow{From: window.To, To: window.From}, Batches{})
	assert.Error(t, err)
}

func TestClassify_AppliesPolicy(t *testing.T) {
	batch := Batch{
		Name: "SalesOrderDetail",
		Rows: []domain.Row{
			{"OrderQty": int64(1), "StoreID": nil, "Note": nil},
			{"OrderQty": int64(2), "StoreID": int64(3), "Note": "x"},
		},
		Policy: salesPolicy,
	}
	results := []domain.CheckResult{
		{Check: domain.CheckNull, Rows: map[string][]int{"StoreID": {0}, "Note": {0}}},
		{Check: domain.CheckNumericRange, Passed: true},
	}

	v := classify(batch, results)
	assert.Empty(t, v.critical)
	assert.Equal(t, []int{0}, v.skippedRows())
	require.Len(t, v.rowFindings[0], 1)
	assert.Equal(t, "Note", v.rowFindings[0][0].column)
	assert.Len(t, v.keep(batch.Rows), 1)
}

func TestRunWindow_SameDayChangeRevisesTheDaysVersion(t *testing.T) {
	h := newHarness(t, Options{})
	morning := domain.ProcessingWindow{
		From: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	evening := domain.ProcessingWindow{From: morning.To, To: time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)}

	summary, err := h.coord.RunWindow(h.context, morning, Batches{
		Dimensions: []DimensionBatch{customerBatch(domain.Row{"CustomerID": int64(1), "City": "LA"})},
	})
	require.NoError(t, err)
	assert.Equal(t, dimension.MergeResult{Inserted: 1, Expired: 1}, summary.Dimensions["DimCustomer"])

	summary, err = h.coord.RunWindow(h.context, evening, Batches{
		Dimensions: []DimensionBatch{customerBatch(domain.Row{"CustomerID": int64(1), "City": "SF"})},
		Facts:      []FactBatch{salesBatch(sale(200, 1, 1, 5))},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, summary.Status)
	assert.Equal(t, dimension.MergeResult{Revised: 1}, summary.Dimensions["DimCustomer"])
	assert.Empty(t, h.records(t))

	history := h.dims.History("DimCustomer", "1")
	require.Len(t, history, 2)
	assert.Equal(t, "NYC", history[0].Attributes["City"])
	require.NotNil(t, history[0].ValidTo)
	assert.Equal(t, time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC), *history[0].ValidTo)
	assert.Equal(t, "SF", history[1].Attributes["City"])
	assert.Equal(t, morning.ProcessingDate(), history[1].ValidFrom)
	assert.True(t, history[1].IsCurrent)

	loaded := h.facts.byTable("FactSales")
	require.Len(t, loaded, 1)
	assert.Equal(t, history[1].SurrogateKey, loaded[0].Data["CustomerKey"])
}

func TestRunWindow_OlderWindowRecordsConflicts(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.coord.RunWindow(h.context, window, Batches{
		Dimensions: []DimensionBatch{customerBatch(domain.Row{"CustomerID": int64(1), "City": "LA"})},
	})
	require.NoError(t, err)

	backfill := domain.ProcessingWindow{
		From: time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC),
	}
	summary, err := h.coord.RunWindow(h.context, backfill, Batches{
		Dimensions: []DimensionBatch{customerBatch(domain.Row{"CustomerID": int64(1), "City": "Boston"})},
	})
	require.NoError(t, err)
	result := summary.Dimensions["DimCustomer"]
	require.Len(t, result.Conflicts, 1)
	assert.Zero(t, result.Inserted)
	assert.Zero(t, result.Revised)

	records := h.records(t)
	require.Len(t, records, 1)
	record := records[0]
	assert.Equal(t, "DimCustomer", record.SourceTable)
	assert.Equal(t, domain.ErrorTypeLoadFailure, record.ErrorType)
	assert.Equal(t, domain.SeverityWarning, record.ErrorSeverity)
	assert.False(t, record.IsRecoverable)
	assert.Equal(t, "20250308_dimcustomer", record.ProcessingBatchID)
	require.NotNil(t, record.RecordNaturalKey)
	assert.Equal(t, domain.NaturalKey("1"), *record.RecordNaturalKey)
	assert.Equal(t, "Boston", record.FailedData["City"])

	current, err := h.dims.CurrentRows(h.context, "DimCustomer")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "LA", current[0].Attributes["City"])
}
