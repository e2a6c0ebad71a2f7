package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/dwhsync/internal/domain"
)

func TestParseCSVInfersTypes(t *testing.T) {
	data := "\xEF\xBB\xBFCustomerID,City,Credit Limit,Active,ModifiedDate\n" +
		"1,NYC,100.5,true,2025-03-01\n" +
		"2,,200,false,2025-03-02 10:00:00\n" +
		"\n"

	rows, err := Parse("Customer.csv", []byte(data))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	first := rows[0]
	if first["CustomerID"] != int64(1) {
		t.Fatalf("expected CustomerID int64 1, got %#v", first["CustomerID"])
	}
	if first["Credit_Limit"] != 100.5 {
		t.Fatalf("expected sanitized float column, got %#v", first["Credit_Limit"])
	}
	if first["Active"] != true {
		t.Fatalf("expected Active true, got %#v", first["Active"])
	}
	if ts, ok := first["ModifiedDate"].(time.Time); !ok || !ts.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected ModifiedDate %#v", first["ModifiedDate"])
	}

	second := rows[1]
	if value, ok := second["City"]; !ok || value != nil {
		t.Fatalf("expected empty City to be NULL, got %#v", value)
	}
	if second["Credit_Limit"] != float64(200) {
		t.Fatalf("expected float column to stay float, got %#v", second["Credit_Limit"])
	}
}

func TestParseZeroOneColumnIsInteger(t *testing.T) {
	rows, err := Parse("flags.csv", []byte("Flag\n0\n1\n"))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if rows[0]["Flag"] != int64(0) {
		t.Fatalf("expected integer 0, got %#v", rows[0]["Flag"])
	}
}

func TestParseZeroPaddedColumnStaysString(t *testing.T) {
	data := "PostalCode,ProductNumber,Amount\n" +
		"02134,12,0.5\n" +
		"10001,007,1\n"

	rows, err := Parse("Address.csv", []byte(data))
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if rows[0]["PostalCode"] != "02134" || rows[1]["PostalCode"] != "10001" {
		t.Fatalf("expected postal codes kept as strings, got %#v and %#v", rows[0]["PostalCode"], rows[1]["PostalCode"])
	}
	if rows[0]["ProductNumber"] != "12" || rows[1]["ProductNumber"] != "007" {
		t.Fatalf("expected product numbers kept as strings, got %#v and %#v", rows[0]["ProductNumber"], rows[1]["ProductNumber"])
	}
	if rows[0]["Amount"] != 0.5 {
		t.Fatalf("expected decimal below one to stay numeric, got %#v", rows[0]["Amount"])
	}
}

func TestParseXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	if err := f.SetSheetRow(sheet, "A1", &[]any{"ProductID", "Name"}); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	if err := f.SetSheetRow(sheet, "A2", &[]any{7, "Widget"}); err != nil {
		t.Fatalf("failed to write row: %v", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("failed to render workbook: %v", err)
	}

	rows, err := Parse("Product.xlsx", buf.Bytes())
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if len(rows) != 1 || rows[0]["ProductID"] != int64(7) || rows[0]["Name"] != "Widget" {
		t.Fatalf("unexpected rows %#v", rows)
	}
}

func TestParseRejectsUnknownFormat(t *testing.T) {
	_, err := Parse("data.json", []byte("{}"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestSanitizeHeadersDeduplicates(t *testing.T) {
	headers := sanitizeHeaders([]string{"Name", "Name", " ", "unit.price"})
	expected := []string{"Name", "Name_2", "column_3", "unit_price"}
	for idx := range expected {
		if headers[idx] != expected[idx] {
			t.Fatalf("header %d: expected %q, got %q", idx, expected[idx], headers[idx])
		}
	}
}

func TestReaderExtractFiltersWindow(t *testing.T) {
	dir := t.TempDir()
	data := "SalesOrderDetailID,ModifiedDate\n1,2025-03-01\n2,2025-03-05\n3,2025-03-11\n"
	if err := os.WriteFile(filepath.Join(dir, "SalesOrderDetail.csv"), []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write drop file: %v", err)
	}

	reader := NewReader(dir, nil)
	window := domain.ProcessingWindow{
		From: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	}

	rows, err := reader.Extract(context.Background(), domain.SourceTable{Name: "SalesOrderDetail", IncrementalColumn: "ModifiedDate"}, window)
	if err != nil {
		t.Fatalf("extract returned error: %v", err)
	}
	if len(rows) != 1 || rows[0]["SalesOrderDetailID"] != int64(2) {
		t.Fatalf("expected only row 2 inside the window, got %#v", rows)
	}
}

func TestReaderMissingFileIsEmptyBatch(t *testing.T) {
	reader := NewReader(t.TempDir(), nil)
	rows, err := reader.Extract(context.Background(), domain.SourceTable{Name: "Store"}, domain.ProcessingWindow{To: time.Now()})
	if err != nil {
		t.Fatalf("extract returned error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty batch, got %d rows", len(rows))
	}
}
