package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/domain"
)

var (
	// ErrUnsupportedFormat is returned for files that are neither CSV nor XLSX.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05.000000",
		"2006/01/02",
	}

	extensions = []string{".csv", ".xlsx"}
)

// ColumnType is the inferred type of a file column.
type ColumnType string

const (
	ColumnString    ColumnType = "string"
	ColumnInteger   ColumnType = "integer"
	ColumnFloat     ColumnType = "float"
	ColumnBoolean   ColumnType = "boolean"
	ColumnTimestamp ColumnType = "timestamp"
)

// Reader loads source batches from files dropped into a directory, one file
// per source table named <table>.csv or <table>.xlsx.
type Reader struct {
	dir    string
	logger *zap.Logger
}

// NewReader creates a reader over dir.
func NewReader(dir string, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{dir: dir, logger: logger}
}

// Extract reads the table's drop file. A missing file is an empty batch.
// When the table has an incremental column, rows whose timestamp falls
// outside the window are dropped.
func (r *Reader) Extract(ctx context.Context, table domain.SourceTable, window domain.ProcessingWindow) ([]domain.Row, error) {
	path, ok := r.locate(table.Name)
	if !ok {
		r.logger.Debug("no drop file for table", zap.String("table", table.Name), zap.String("dir", r.dir))
		return []domain.Row{}, nil
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := Parse(filepath.Base(path), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if table.IncrementalColumn == "" {
		return rows, nil
	}

	filtered := make([]domain.Row, 0, len(rows))
	for _, row := range rows {
		if ts, ok := row[table.IncrementalColumn].(time.Time); ok && !window.Contains(ts) {
			continue
		}
		filtered = append(filtered, row)
	}

	r.logger.Info("loaded drop file",
		zap.String("table", table.Name),
		zap.String("file", path),
		zap.Int("rows", len(rows)),
		zap.Int("in_window", len(filtered)),
	)
	return filtered, nil
}

func (r *Reader) locate(table string) (string, bool) {
	for _, ext := range extensions {
		path := filepath.Join(r.dir, table+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// Parse turns a CSV or XLSX payload into typed rows. The first non-empty
// line is the header; column types are inferred from the data and empty
// cells become NULL.
func Parse(fileName string, payload []byte) ([]domain.Row, error) {
	var (
		records [][]string
		err     error
	)
	switch ext := strings.ToLower(filepath.Ext(fileName)); ext {
	case ".csv":
		records, err = readCSV(bytes.NewReader(payload))
	case ".xlsx":
		records, err = readExcel(bytes.NewReader(payload))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, err
	}

	headers, data, err := splitHeader(records)
	if err != nil {
		return nil, err
	}

	types := make([]ColumnType, len(headers))
	for col := range headers {
		types[col] = InferColumn(col, data)
	}

	rows := make([]domain.Row, 0, len(data))
	for lineIdx, record := range data {
		row := make(domain.Row, len(headers))
		for col, header := range headers {
			raw := strings.TrimSpace(record[col])
			if raw == "" {
				row[header] = nil
				continue
			}
			value, err := coerceValue(types[col], raw)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", lineIdx+1, header, err)
			}
			row[header] = value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readCSV(src io.Reader) ([][]string, error) {
	reader := bufio.NewReader(src)
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return records, nil
}

func readExcel(src io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return rows, nil
}

func splitHeader(records [][]string) ([]string, [][]string, error) {
	var (
		header []string
		data   [][]string
	)
	for _, record := range records {
		if isBlank(record) {
			continue
		}
		if header == nil {
			header = sanitizeHeaders(record)
			continue
		}
		data = append(data, padRow(record, len(header)))
	}
	if header == nil {
		return nil, nil, errors.New("no header row found")
	}
	return header, data, nil
}

func isBlank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.NewReplacer(" ", "_", ".", "_", "-", "_").Replace(name)
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1
		headers[idx] = name
	}
	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

// InferColumn picks the narrowest type that every non-empty value of the
// column parses as. Columns holding numbers with leading zeros, such as postal
// codes, stay strings.
func InferColumn(col int, rows [][]string) ColumnType {
	isInt, isFloat, isBool, isTimestamp := true, true, true, true
	hasValue, zeroPadded := false, false

	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		value := strings.TrimSpace(row[col])
		if value == "" {
			continue
		}
		hasValue = true
		if hasLeadingZero(value) {
			zeroPadded = true
		}

		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			isInt = false
		}
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			isFloat = false
		}
		if !looksLikeBool(value) {
			isBool = false
		}
		if _, err := parseTimestamp(value); err != nil {
			isTimestamp = false
		}
	}

	switch {
	case !hasValue, zeroPadded && (isInt || isFloat):
		return ColumnString
	case isInt:
		return ColumnInteger
	case isFloat:
		return ColumnFloat
	case isBool:
		return ColumnBoolean
	case isTimestamp:
		return ColumnTimestamp
	default:
		return ColumnString
	}
}

func hasLeadingZero(value string) bool {
	value = strings.TrimLeft(value, "+-")
	return len(value) > 1 && value[0] == '0' && value[1] >= '0' && value[1] <= '9'
}

// 0/1 columns are inferred as integers before booleans are considered.
func looksLikeBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "false", "yes", "no", "y", "n", "t", "f":
		return true
	}
	return false
}

func coerceValue(columnType ColumnType, raw string) (any, error) {
	switch columnType {
	case ColumnInteger:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to integer", raw)
		}
		return i, nil
	case ColumnFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("unable to coerce %q to float", raw)
		}
		return f, nil
	case ColumnBoolean:
		switch strings.ToLower(raw) {
		case "true", "yes", "y", "t":
			return true, nil
		case "false", "no", "n", "f":
			return false, nil
		}
		return nil, fmt.Errorf("unable to coerce %q to boolean", raw)
	case ColumnTimestamp:
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to timestamp: %w", raw, err)
		}
		return ts, nil
	default:
		return raw, nil
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
