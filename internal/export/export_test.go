package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/ledger"
)

func seededLedger(t *testing.T) *ledger.MemoryRepository {
	t.Helper()
	repo := ledger.NewMemoryRepository()
	ctx := context.Background()
	created := time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC)

	for idx := 0; idx < 5; idx++ {
		key := domain.NaturalKey("99" + string(rune('0'+idx)))
		record, err := repo.Insert(ctx, domain.ErrorRecord{
			SourceTable:       "FactSales",
			RecordNaturalKey:  &key,
			ErrorType:         domain.ErrorTypeForeignKeyMissing,
			ErrorSeverity:     domain.SeverityWarning,
			ErrorMessage:      "no current dimension row for CustomerID=999 (DimCustomer)",
			FailedData:        domain.Row{"CustomerID": int64(999)},
			ProcessingBatchID: "20250310_factsales",
			IsRecoverable:     true,
			CreatedAt:         created,
		})
		require.NoError(t, err)
		if idx == 4 {
			continue
		}
		for attempt := 0; attempt < domain.MaxRetryCount; attempt++ {
			_, err := repo.RecordAttempt(ctx, record.ErrorID, created.Add(time.Hour))
			require.NoError(t, err)
		}
	}
	return repo
}

func TestWriteCSV_DeadLetterOnly(t *testing.T) {
	service := NewService(seededLedger(t), zaptest.NewLogger(t), WithPageSize(3))

	var buf bytes.Buffer
	stats, err := service.Write(context.Background(), &buf, FormatCSV, DeadLetterFilter(""))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Rows)
	assert.Equal(t, int64(buf.Len()), stats.Bytes)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, columns, records[0])

	first := records[1]
	assert.Equal(t, "FactSales", first[1])
	assert.Equal(t, "990", first[2])
	assert.Equal(t, "ForeignKeyMissing", first[3])
	assert.Equal(t, "3", first[8])
	assert.Equal(t, "2025-03-10T02:00:00Z", first[10])
	assert.Equal(t, "2025-03-10T03:00:00Z", first[11])
	assert.JSONEq(t, `{"CustomerID":999}`, first[12])
}

func TestWriteCSV_RespectsLimit(t *testing.T) {
	service := NewService(seededLedger(t), zaptest.NewLogger(t), WithPageSize(2))

	filter := DeadLetterFilter("")
	filter.Limit = 3
	var buf bytes.Buffer
	stats, err := service.Write(context.Background(), &buf, FormatCSV, filter)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Rows)
}

func TestWriteXLSX(t *testing.T) {
	service := NewService(seededLedger(t), zaptest.NewLogger(t))

	var buf bytes.Buffer
	stats, err := service.Write(context.Background(), &buf, FormatXLSX, DeadLetterFilter("FactSales"))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Rows)

	workbook, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer workbook.Close()

	rows, err := workbook.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "error_id", rows[0][0])
	assert.Equal(t, "FactSales", rows[1][1])
}

func TestHandler_ServesDeadLetterCSV(t *testing.T) {
	handler := NewHTTPHandler(NewService(seededLedger(t), zaptest.NewLogger(t)))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/errors/dead-letter.csv?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "dead-letter-")

	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestHandler_RejectsUnknownPaths(t *testing.T) {
	handler := NewHTTPHandler(NewService(seededLedger(t), zaptest.NewLogger(t)))

	cases := map[string]int{
		"/errors/dead-letter.pdf":         http.StatusNotFound,
		"/errors/everything.csv":          http.StatusNotFound,
		"/errors/dead-letter.csv?limit=0": http.StatusBadRequest,
	}
	for target, status := range cases {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, status, rec.Code, target)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/errors/dead-letter.csv", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
