package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rpattn/dwhsync/internal/config"
	"github.com/rpattn/dwhsync/internal/domain"
)

func testPlan() Plan {
	return Plan{
		Dimensions: []DimensionPlan{{Table: customerDim, Source: domain.SourceTable{Name: "Customer"}}},
		Facts:      []FactPlan{{Table: salesFact, Source: domain.SourceTable{Name: "SalesOrderDetail"}, Policy: salesPolicy}},
	}
}

type runnerHarness struct {
	*harness
	source    *staticSource
	bookmarks *memoryBookmarks
	runs      *memoryRuns
	runner    *Runner
}

func newRunnerHarness(t *testing.T) *runnerHarness {
	t.Helper()
	h := newHarness(t, Options{})
	rh := &runnerHarness{
		harness:   h,
		source:    &staticSource{rows: map[string][]domain.Row{}},
		bookmarks: &memoryBookmarks{},
		runs:      &memoryRuns{},
	}
	rh.runner = NewRunner(RunnerDeps{
		TaskName:    "dwh_etl_main",
		Plan:        testPlan(),
		Source:      rh.source,
		Coordinator: h.coord,
		Bookmarks:   rh.bookmarks,
		Runs:        rh.runs,
		Logger:      zaptest.NewLogger(t),
	})
	rh.runner.now = func() time.Time { return window.To }
	return rh
}

func TestRunner_AdvancesBookmarkOnSuccess(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.source.rows["Customer"] = []domain.Row{{"CustomerID": int64(2), "City": "SF"}}
	rh.source.rows["SalesOrderDetail"] = []domain.Row{sale(100, 2, 1, 5)}

	summary, err := rh.runner.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Window.From.IsZero())
	assert.Equal(t, window.To, summary.Window.To)

	mark, ok, err := rh.bookmarks.Get(context.Background(), "dwh_etl_main")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, window.To, mark)

	require.Len(t, rh.runs.runs, 1)
	run := rh.runs.runs[0]
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.Equal(t, 1, run.DimensionRowsInserted)
	assert.Equal(t, 1, run.FactsLoaded)
	assert.NotNil(t, run.FinishedAt)
	assert.Nil(t, run.ErrorMessage)

	next, err := rh.runner.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, window.To, next.From)
}

func TestRunner_HaltedWindowKeepsBookmark(t *testing.T) {
	rh := newRunnerHarness(t)
	start := window.From
	require.NoError(t, rh.bookmarks.Set(context.Background(), "dwh_etl_main", start))
	rh.source.rows["SalesOrderDetail"] = []domain.Row{sale(100, 1, 1, -5)}

	_, err := rh.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCriticalValidation))

	mark, _, err := rh.bookmarks.Get(context.Background(), "dwh_etl_main")
	require.NoError(t, err)
	assert.Equal(t, start, mark)

	require.Len(t, rh.runs.runs, 1)
	assert.Equal(t, domain.RunStatusHalted, rh.runs.runs[0].Status)
	require.NotNil(t, rh.runs.runs[0].ErrorMessage)
}

func TestRunner_ExtractionFailureMarksRunFailed(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.source.err = errors.New("source unreachable")

	_, err := rh.runner.RunWindow(context.Background(), window)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to extract Customer")

	_, ok, err := rh.bookmarks.Get(context.Background(), "dwh_etl_main")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.RunStatusFailed, rh.runs.runs[0].Status)
}

func TestRunner_RejectsOverlappingRuns(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.runner.running.Lock()
	defer rh.runner.running.Unlock()

	_, err := rh.runner.RunWindow(context.Background(), window)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Empty(t, rh.runs.runs)
}

func TestNewPlan_FromConfig(t *testing.T) {
	cfg := config.Config{
		Dimensions: []config.DimensionConfig{{
			Name:              "DimCustomer",
			NaturalKey:        "CustomerID",
			TrackedColumns:    []string{"City"},
			SourceTable:       "Customer",
			IncrementalColumn: "ModifiedDate",
		}},
		Facts: []config.FactConfig{{
			Name:        "FactSales",
			NaturalKey:  "SalesOrderDetailID",
			SourceTable: "SalesOrderDetail",
			ForeignKeys: []config.ForeignKeyConfig{{Dimension: "DimCustomer", Column: "CustomerID", KeyColumn: "CustomerKey"}},
		}},
		Policies: map[string]domain.TablePolicy{
			"salesorderdetail": {CriticalColumns: []string{"OrderQty"}},
		},
	}

	plan := NewPlan(cfg)
	require.Len(t, plan.Dimensions, 1)
	assert.Equal(t, domain.SourceTable{Name: "Customer", IncrementalColumn: "ModifiedDate"}, plan.Dimensions[0].Source)
	assert.Equal(t, "DimCustomer", plan.Dimensions[0].Table.Name)

	require.Len(t, plan.Facts, 1)
	assert.Equal(t, []string{"OrderQty"}, plan.Facts[0].Policy.CriticalColumns)
	assert.Equal(t, []domain.FactTable{plan.Facts[0].Table}, plan.FactTables())
	assert.Equal(t, "CustomerKey", plan.FactTables()[0].ForeignKeys[0].KeyColumn)

	source := &staticSource{rows: map[string][]domain.Row{"Customer": {{"CustomerID": int64(1), "City": "LA"}}}}
	batches, err := plan.Extract(context.Background(), source, window)
	require.NoError(t, err)
	require.Len(t, batches.Dimensions, 1)
	assert.Equal(t, "Customer", batches.Dimensions[0].Batch.Name)
	assert.Len(t, batches.Dimensions[0].Batch.Rows, 1)
	assert.Empty(t, batches.Facts[0].Batch.Rows)
}

func TestRunner_BackfillKeepsLaterBookmark(t *testing.T) {
	rh := newRunnerHarness(t)
	later := window.To.Add(72 * time.Hour)
	require.NoError(t, rh.bookmarks.Set(context.Background(), "dwh_etl_main", later))
	rh.source.rows["Customer"] = []domain.Row{{"CustomerID": int64(2), "City": "SF"}}

	summary, err := rh.runner.RunWindow(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, summary.Status)

	mark, ok, err := rh.bookmarks.Get(context.Background(), "dwh_etl_main")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, later, mark)
}
